// Package assets resolves content-id references in message HTML to files in a
// template's asset directory.
package assets

import (
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	cidPattern = regexp.MustCompile(`(?i)cid:([^"'\s<>();]+)`)
	safeToken  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Asset is a resolved inline attachment. Path is relative to the resolver's
// namespace root.
type Asset struct {
	ContentID string
	Path      string
}

type Resolver struct {
	fsys fs.FS
}

// NewResolver serves template assets from <root>/<template_id>/.
func NewResolver(root string) *Resolver {
	return &Resolver{fsys: os.DirFS(root)}
}

func NewResolverFS(fsys fs.FS) *Resolver {
	return &Resolver{fsys: fsys}
}

// ExtractContentIDs returns the cid: tokens referenced by html, deduplicated in
// first-occurrence order.
func ExtractContentIDs(html string) []string {
	matches := cidPattern.FindAllStringSubmatch(html, -1)
	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tok := m[1]
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	return tokens
}

// IsSafeToken reports whether s may be used as a file or directory name.
func IsSafeToken(s string) bool {
	return safeToken.MatchString(s) && s != "." && s != ".."
}

// Resolve maps every token to a file in the template's namespace. Tokens that
// are unsafe or have no candidate file are returned as unresolved; absence is
// never an error.
func (r *Resolver) Resolve(templateID string, tokens []string) (map[string]string, []string) {
	resolved := make(map[string]string, len(tokens))
	var unresolved []string

	names := r.listFiles(templateID)
	for _, tok := range tokens {
		if !IsSafeToken(tok) {
			unresolved = append(unresolved, tok)
			continue
		}
		name, ok := pick(names, tok)
		if !ok {
			unresolved = append(unresolved, tok)
			continue
		}
		resolved[tok] = path.Join(templateID, name)
	}
	return resolved, unresolved
}

// Lookup extracts and resolves the assets of html in token order.
func (r *Resolver) Lookup(templateID, html string) ([]Asset, []string) {
	tokens := ExtractContentIDs(html)
	resolved, unresolved := r.Resolve(templateID, tokens)

	found := make([]Asset, 0, len(resolved))
	for _, tok := range tokens {
		if p, ok := resolved[tok]; ok {
			found = append(found, Asset{ContentID: tok, Path: p})
		}
	}
	return found, unresolved
}

// Open reads a resolved asset.
func (r *Resolver) Open(p string) (fs.File, error) {
	return r.fsys.Open(p)
}

// MissingMessage is the operator-facing text recorded when assets are missing.
func MissingMessage(unresolved []string) string {
	return "missing inline assets: " + strings.Join(unresolved, ", ")
}

func (r *Resolver) listFiles(templateID string) []string {
	if r == nil || r.fsys == nil || !IsSafeToken(templateID) {
		return nil
	}
	entries, err := fs.ReadDir(r.fsys, templateID)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// pick prefers a file named exactly tok, then the lexicographically first file
// whose extensionless name is tok. names must be sorted.
func pick(names []string, tok string) (string, bool) {
	var first string
	for _, name := range names {
		if name == tok {
			return name, true
		}
		if first == "" && strings.TrimSuffix(name, path.Ext(name)) == tok {
			first = name
		}
	}
	return first, first != ""
}
