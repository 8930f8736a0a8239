package updater

import (
	"path/filepath"
	"strings"
)

// Family is the command vocabulary of one package manager lineage. Argument
// lists are relative to the jail's pkgmgr, which the jail executor prepends.
type Family struct {
	Name string
	// Update is run step by step; a failing step stops the sequence.
	Update [][]string
	// Install is followed by the package names.
	Install []string
}

// Families is matched in order against the pkgmgr name.
var Families = []Family{
	{Name: "pacman", Update: [][]string{{"-Syu", "--noconfirm"}}, Install: []string{"-S", "--noconfirm"}},
	{Name: "apt", Update: [][]string{{"update"}, {"upgrade", "-y"}}, Install: []string{"install", "-y"}},
	{Name: "dnf", Update: [][]string{{"upgrade", "-y"}}, Install: []string{"install", "-y"}},
	{Name: "yum", Update: [][]string{{"upgrade", "-y"}}, Install: []string{"install", "-y"}},
	{Name: "zypper", Update: [][]string{{"--non-interactive", "update"}}, Install: []string{"install", "-y"}},
	{Name: "apk", Update: [][]string{{"update"}, {"upgrade"}}, Install: []string{"add"}},
	{Name: "emerge", Update: [][]string{{"--sync"}, {"-uDN", "@world"}}},
}

// FamilyOf finds the family whose name occurs in the base name of pkgmgr,
// so "apt-get" and "/usr/bin/pacman" resolve as expected.
func FamilyOf(pkgmgr string) (Family, bool) {
	base := filepath.Base(pkgmgr)
	for _, f := range Families {
		if strings.Contains(base, f.Name) {
			return f, true
		}
	}
	return Family{}, false
}
