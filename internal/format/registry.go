// Package format maps package file extensions onto the native package
// manager commands that install them.
//
// The registry is read-only after construction and iterates longest
// extension first, so compound extensions such as .pkg.tar.zst always win
// over any shorter suffix they end with.
package format

import (
	"fmt"
	"sort"
	"strings"

	terrors "trimorph/pkg/errors"
)

// PathPlaceholder in an Install template is replaced by the package path.
const PathPlaceholder = "{path}"

// Tag identifies the installer variant of a format.
type Tag string

const (
	TagDeb    Tag = "deb"
	TagArch   Tag = "arch"
	TagRPM    Tag = "rpm"
	TagAPK    Tag = "apk"
	TagGentoo Tag = "gentoo"
)

// Tool is one native package manager able to install a format.
type Tool struct {
	// Name is the binary probed on PATH.
	Name string
	// Install is an argv template containing PathPlaceholder.
	Install []string
	// Update refreshes repository metadata, best effort. Nil when the tool
	// has no refresh step.
	Update []string
}

// Format is an immutable registry entry.
type Format struct {
	Ext string
	Tag Tag
	// Tools are listed in preference order.
	Tools []Tool
	// Verify prints the tool version; Check validates the package database.
	Verify []string
	Check  []string
	// Advisory is logged before every install of this format.
	Advisory string
}

// InstallArgv substitutes path into the tool's install template. The path
// stays a single argv element, whatever characters it contains.
func (t Tool) InstallArgv(path string) []string {
	argv := make([]string, len(t.Install))
	for i, a := range t.Install {
		argv[i] = strings.ReplaceAll(a, PathPlaceholder, path)
	}
	return argv
}

// Hint is the advisory printed after a failed install.
func (t Tool) Hint() string {
	if len(t.Update) == 0 {
		return ""
	}
	return fmt.Sprintf("Tip: Try running '%s' to refresh package lists, then try again", strings.Join(t.Update, " "))
}

var (
	aptTool    = Tool{Name: "apt", Install: []string{"apt", "install", "-y", PathPlaceholder}, Update: []string{"apt", "update"}}
	dpkgTool   = Tool{Name: "dpkg", Install: []string{"dpkg", "-i", PathPlaceholder}}
	pacmanTool = Tool{Name: "pacman", Install: []string{"pacman", "-U", "--noconfirm", PathPlaceholder}, Update: []string{"pacman", "-Sy"}}
	dnfTool    = Tool{Name: "dnf", Install: []string{"dnf", "install", "-y", PathPlaceholder}, Update: []string{"dnf", "check-update"}}
	yumTool    = Tool{Name: "yum", Install: []string{"yum", "install", "-y", PathPlaceholder}, Update: []string{"yum", "check-update"}}
	rpmTool    = Tool{Name: "rpm", Install: []string{"rpm", "-i", PathPlaceholder}}
	apkTool    = Tool{Name: "apk", Install: []string{"apk", "add", PathPlaceholder}, Update: []string{"apk", "update"}}
	emergeTool = Tool{Name: "emerge", Install: []string{"emerge", "--usepkg", PathPlaceholder}, Update: []string{"emerge", "--sync"}}
)

func arch(ext string) Format {
	return Format{
		Ext:    ext,
		Tag:    TagArch,
		Tools:  []Tool{pacmanTool},
		Verify: []string{"pacman", "--version"},
		Check:  []string{"pacman", "-Q"},
	}
}

// Canonical returns the canonical entries in declaration order.
func Canonical() []Format {
	return []Format{
		{
			Ext:    ".deb",
			Tag:    TagDeb,
			Tools:  []Tool{aptTool, dpkgTool},
			Verify: []string{"dpkg", "--version"},
			Check:  []string{"apt-get", "check"},
		},
		arch(".pkg.tar.zst"),
		arch(".pkg.tar.xz"),
		arch(".pkg.tar.gz"),
		{
			Ext:    ".rpm",
			Tag:    TagRPM,
			Tools:  []Tool{dnfTool, yumTool, rpmTool},
			Verify: []string{"rpm", "--version"},
			Check:  []string{"rpm", "-Va"},
		},
		{
			Ext:    ".apk",
			Tag:    TagAPK,
			Tools:  []Tool{apkTool},
			Verify: []string{"apk", "--version"},
			Check:  []string{"apk", "verify"},
		},
		{
			Ext:      ".tbz",
			Tag:      TagGentoo,
			Tools:    []Tool{emergeTool},
			Verify:   []string{"emerge", "--version"},
			Check:    []string{"equery", "list", "*"},
			Advisory: "Gentoo is primarily source-based; binary packages need a matching PKGDIR and profile",
		},
	}
}

// Registry is an ordered, read-only set of formats.
type Registry struct {
	formats []Format
}

// NewRegistry orders formats longest extension first; equal lengths keep
// their declaration order.
func NewRegistry(formats []Format) *Registry {
	ordered := append([]Format(nil), formats...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Ext) > len(ordered[j].Ext)
	})
	return &Registry{formats: ordered}
}

// Default is the registry built from Canonical.
var Default = NewRegistry(Canonical())

// Formats returns the entries in lookup order.
func (r *Registry) Formats() []Format {
	return append([]Format(nil), r.formats...)
}

// Lookup returns the first entry whose extension ends the file name of path.
func (r *Registry) Lookup(path string) (Format, error) {
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		name = path[i:]
	}
	for _, f := range r.formats {
		if strings.HasSuffix(name, f.Ext) {
			return f, nil
		}
	}
	return Format{}, &UnsupportedError{Path: path, Ext: lastExt(name)}
}

func lastExt(name string) string {
	name = strings.TrimPrefix(name, "/")
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return ""
	}
	return name[i:]
}

// UnsupportedError reports a path no registry entry matches.
type UnsupportedError struct {
	Path string
	// Ext is the last dot-suffix of the file name, empty if it has none.
	Ext string
}

func (e *UnsupportedError) Error() string {
	if e.Ext == "" {
		return fmt.Sprintf("Cannot determine package type for: %s", e.Path)
	}
	return fmt.Sprintf("Unsupported package format: %s", e.Ext)
}

func (e *UnsupportedError) Unwrap() error { return terrors.ErrUnsupportedFormat }
