// Package resolver turns a source folder listing into the ordered list of
// source/destination folder pairs a migration works through.
package resolver

import (
	"strings"
)

// Role is a special-purpose folder kind recognised by the smart map.
type Role string

const (
	RoleSent   Role = "Sent"
	RoleTrash  Role = "Trash"
	RoleDrafts Role = "Drafts"
	RoleSpam   Role = "Spam"
)

// Roles is the fixed order in which smart map looks for matches.
var Roles = []Role{RoleSent, RoleTrash, RoleDrafts, RoleSpam}

var variants = map[Role][]string{
	RoleSent:   {"Sent", "Sent Items", "Sent Messages", "[Gmail]/Sent Mail", "Sent Mail"},
	RoleTrash:  {"Trash", "Deleted Items", "Bin", "[Gmail]/Trash"},
	RoleDrafts: {"Drafts", "[Gmail]/Drafts"},
	RoleSpam:   {"Junk", "Spam", "[Gmail]/Spam", "Bulk Mail"},
}

// RoleVariants returns the provider naming variants of role, most common first.
func RoleVariants(role Role) []string {
	return append([]string(nil), variants[role]...)
}

// Pair is one unit of folder work.
type Pair struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Substitution records a mapping added by smart map.
type Substitution struct {
	Role        Role
	Source      string
	Destination string
}

// Options are the resolver inputs besides the source listing.
type Options struct {
	Exclude []string
	Map     map[string]string
	// SmartMap enables special-folder matching against DestFolders. It is
	// ignored when DestFolders is nil.
	SmartMap    bool
	DestFolders []string
}

// Result is the resolved work list plus the smart-map substitutions made.
type Result struct {
	Pairs         []Pair
	Substitutions []Substitution
}

// Resolve applies exclusions, the explicit map and, if enabled, smart map.
// The input map is never modified.
func Resolve(sourceFolders []string, opts Options) Result {
	targets := Filter(sourceFolders, opts.Exclude)

	mapping := make(map[string]string, len(opts.Map))
	for k, v := range opts.Map {
		mapping[k] = v
	}

	var res Result
	if opts.SmartMap && opts.DestFolders != nil {
		for _, role := range Roles {
			src, ok := findMatch(targets, variants[role])
			if !ok {
				continue
			}
			dst, ok := findMatch(opts.DestFolders, variants[role])
			if !ok || src == dst {
				continue
			}
			if _, explicit := mapping[src]; explicit {
				continue
			}
			mapping[src] = dst
			res.Substitutions = append(res.Substitutions, Substitution{Role: role, Source: src, Destination: dst})
		}
	}

	res.Pairs = make([]Pair, 0, len(targets))
	for _, f := range targets {
		dst := f
		if to, ok := mapping[f]; ok && to != "" {
			dst = to
		}
		res.Pairs = append(res.Pairs, Pair{Source: f, Destination: dst})
	}
	return res
}

// Filter drops folders whose full path or last path segment is excluded.
func Filter(folders []string, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	out := make([]string, 0, len(folders))
	for _, f := range folders {
		if _, ok := skip[f]; ok {
			continue
		}
		if _, ok := skip[LastSegment(f)]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// LastSegment returns the name after the final "/".
func LastSegment(folder string) string {
	if i := strings.LastIndex(folder, "/"); i >= 0 {
		return folder[i+1:]
	}
	return folder
}

func findMatch(folders []string, patterns []string) (string, bool) {
	for _, p := range patterns {
		for _, f := range folders {
			if strings.EqualFold(f, p) || strings.HasSuffix(f, "/"+p) {
				return f, true
			}
		}
	}
	return "", false
}
