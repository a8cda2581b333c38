package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveExcludesTrash(t *testing.T) {
	res := Resolve([]string{"INBOX", "Sent", "Trash"}, Options{Exclude: []string{"Trash"}})
	assert.Equal(t, []Pair{{"INBOX", "INBOX"}, {"Sent", "Sent"}}, res.Pairs)
	assert.Empty(t, res.Substitutions)
}

func TestFilterMatchesFullPathOrLastSegment(t *testing.T) {
	folders := []string{"INBOX", "Archive/2023", "Archive/2024", "Work/Trash", "Trash", "trash", "Notes"}
	excludes := [][]string{
		nil,
		{"Trash"},
		{"Archive/2023"},
		{"2024", "Notes"},
		{"Archive"},
		{"INBOX", "Work/Trash", "nonexistent"},
	}
	for _, exclude := range excludes {
		got := Filter(folders, exclude)
		set := map[string]bool{}
		for _, f := range got {
			set[f] = true
		}
		for _, f := range folders {
			excluded := false
			for _, e := range exclude {
				if e == f || e == LastSegment(f) {
					excluded = true
				}
			}
			assert.Equal(t, !excluded, set[f], "folder %q with exclude %v", f, exclude)
		}
	}
}

func TestFilterIsCaseSensitive(t *testing.T) {
	assert.Equal(t, []string{"trash"}, Filter([]string{"Trash", "trash"}, []string{"Trash"}))
}

func TestResolveKeepsSourceOrder(t *testing.T) {
	res := Resolve([]string{"Zeta", "Alpha", "INBOX"}, Options{Map: map[string]string{"Alpha": "Beta"}})
	assert.Equal(t, []Pair{{"Zeta", "Zeta"}, {"Alpha", "Beta"}, {"INBOX", "INBOX"}}, res.Pairs)
}

func TestSmartMap(t *testing.T) {
	src := []string{"INBOX", "Sent Items", "Deleted Items", "Drafts", "Junk"}
	dst := []string{"INBOX", "[Gmail]/Sent Mail", "[Gmail]/Trash", "Drafts", "[Gmail]/Spam"}
	res := Resolve(src, Options{SmartMap: true, DestFolders: dst})

	assert.Equal(t, []Pair{
		{"INBOX", "INBOX"},
		{"Sent Items", "[Gmail]/Sent Mail"},
		{"Deleted Items", "[Gmail]/Trash"},
		{"Drafts", "Drafts"},
		{"Junk", "[Gmail]/Spam"},
	}, res.Pairs)
	assert.Equal(t, []Substitution{
		{RoleSent, "Sent Items", "[Gmail]/Sent Mail"},
		{RoleTrash, "Deleted Items", "[Gmail]/Trash"},
		{RoleSpam, "Junk", "[Gmail]/Spam"},
	}, res.Substitutions)
}

func TestSmartMapNeverOverridesExplicit(t *testing.T) {
	explicit := map[string]string{"Sent": "X"}
	res := Resolve([]string{"INBOX", "Sent"}, Options{
		Map:         explicit,
		SmartMap:    true,
		DestFolders: []string{"INBOX", "Sent Items"},
	})
	assert.Equal(t, []Pair{{"INBOX", "INBOX"}, {"Sent", "X"}}, res.Pairs)
	assert.Empty(t, res.Substitutions)
	assert.Equal(t, map[string]string{"Sent": "X"}, explicit)
}

func TestSmartMapNeedsDestination(t *testing.T) {
	res := Resolve([]string{"Sent Items"}, Options{SmartMap: true})
	assert.Equal(t, []Pair{{"Sent Items", "Sent Items"}}, res.Pairs)
	assert.Empty(t, res.Substitutions)
}

func TestSmartMapMatchesNestedAndCaseInsensitive(t *testing.T) {
	res := Resolve([]string{"INBOX/sent", "Mail/Trash"}, Options{
		SmartMap:    true,
		DestFolders: []string{"SENT", "Deleted Items"},
	})
	// "INBOX/sent" does not end in "/Sent" (suffix match is case sensitive)
	// but "Mail/Trash" does end in "/Trash".
	assert.Equal(t, []Pair{{"INBOX/sent", "INBOX/sent"}, {"Mail/Trash", "Deleted Items"}}, res.Pairs)
}

func TestSmartMapIgnoresExcludedSource(t *testing.T) {
	res := Resolve([]string{"INBOX", "Sent"}, Options{
		Exclude:     []string{"Sent"},
		SmartMap:    true,
		DestFolders: []string{"Sent Items"},
	})
	assert.Equal(t, []Pair{{"INBOX", "INBOX"}}, res.Pairs)
	assert.Empty(t, res.Substitutions)
}
