// Package vdir implements a filesystem-backed remote store: one directory
// per collection under a common root, one file per item. It exists so the
// engine can sync against a local or mounted item tree and so integration
// tests have a real adapter; wire-protocol clients plug into the same
// interface.
//
// Change tokens are content digests, so any out-of-band edit to a file is
// observed as a token change on the next enumerate.
package vdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/avandermeer/pimsync/internal/remote"
)

// seqFile persists the per-collection item counter. Sequence numbers are
// never reused after deletes, which keeps hrefs monotonically increasing —
// the property the engine's duplicate collapse relies on.
const seqFile = ".seq"

// Store is a directory-per-collection remote store rooted at a base path.
type Store struct {
	root string
}

// Open validates the root directory and returns a Store for it.
func Open(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening vdir root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vdir root %q is not a directory", root)
	}
	return &Store{root: root}, nil
}

// Enumerate returns the href→token map for every item in a collection.
func (s *Store) Enumerate(ctx context.Context, collection string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, collection)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("collection %q: %w", collection, remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection %q: %w", collection, err)
	}

	tokens := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", entry.Name(), err)
		}
		tokens[collection+"/"+entry.Name()] = etagOf(content)
	}
	return tokens, nil
}

// Fetch returns the content and current token for an href.
func (s *Store) Fetch(ctx context.Context, href string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	path, err := s.resolve(href)
	if err != nil {
		return nil, "", err
	}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, "", fmt.Errorf("fetch %q: %w", href, remote.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w", href, err)
	}
	return content, etagOf(content), nil
}

// Create stores new content in a collection and returns the assigned href and
// token. Hrefs carry a monotonically increasing sequence number.
func (s *Store) Create(ctx context.Context, collection string, content []byte) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	dir := filepath.Join(s.root, collection)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", "", fmt.Errorf("collection %q: %w", collection, remote.ErrNotFound)
	}

	seq, err := s.nextSeq(dir)
	if err != nil {
		return "", "", err
	}
	name := fmt.Sprintf("item-%06d.json", seq)
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o600); err != nil {
		return "", "", fmt.Errorf("creating item in %q: %w", collection, err)
	}
	return collection + "/" + name, etagOf(content), nil
}

// Update replaces an href's content. A non-empty expectedToken must match the
// current content token or the update fails with ErrPreconditionFailed.
func (s *Store) Update(ctx context.Context, href string, content []byte, expectedToken string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.resolve(href)
	if err != nil {
		return "", err
	}
	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("update %q: %w", href, remote.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("update %q: %w", href, err)
	}
	if expectedToken != "" && etagOf(current) != expectedToken {
		return "", fmt.Errorf("update %q: %w", href, remote.ErrPreconditionFailed)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("update %q: %w", href, err)
	}
	return etagOf(content), nil
}

// Delete removes an href. A non-empty expectedToken must match the current
// content token. Deleting a missing href fails with ErrNotFound; the engine
// treats that as already achieved.
func (s *Store) Delete(ctx context.Context, href, expectedToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.resolve(href)
	if err != nil {
		return err
	}
	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", href, remote.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %q: %w", href, err)
	}
	if expectedToken != "" && etagOf(current) != expectedToken {
		return fmt.Errorf("delete %q: %w", href, remote.ErrPreconditionFailed)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete %q: %w", href, err)
	}
	return nil
}

// resolve maps an href to a path under the root, rejecting escapes.
func (s *Store) resolve(href string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(href))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid href %q", href)
	}
	return filepath.Join(s.root, clean), nil
}

// nextSeq increments and persists the collection's sequence counter.
func (s *Store) nextSeq(dir string) (uint64, error) {
	path := filepath.Join(dir, seqFile)
	var seq uint64
	if data, err := os.ReadFile(path); err == nil {
		seq, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	}
	seq++
	if err := os.WriteFile(path, []byte(strconv.FormatUint(seq, 10)), 0o600); err != nil {
		return 0, fmt.Errorf("writing sequence file: %w", err)
	}
	return seq, nil
}

func etagOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
