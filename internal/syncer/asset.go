// Package syncer reconciles a host's local asset set against the
// authoritative manifest: it computes a plan, routes downloads through the
// mirror chain and removes assets the manifest no longer permits.
package syncer

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// packagedSuffixes are the archive forms assets ship in. A path carrying one
// of these is a packaged asset; anything else is ready for use. Exactly one
// state is inferable from any valid path.
var packagedSuffixes = []string{".tar.zst", ".tar.gz", ".tgz"}

// State is the lifecycle state of a local asset, derived purely from its
// path suffix and never stored separately.
type State string

const (
	StatePackaged State = "packaged"
	StateReady    State = "ready"
)

// LocalAsset is one asset on the host's filesystem. Rel is its path relative
// to the asset root, slash-separated.
type LocalAsset struct {
	Path string
	Rel  string
}

func (a LocalAsset) State() State {
	for _, s := range packagedSuffixes {
		if strings.HasSuffix(a.Rel, s) {
			return StatePackaged
		}
	}
	return StateReady
}

// LogicalName strips the packaging suffix so that the packaged and unpacked
// forms of an asset compare equal. All membership tests in this package run
// over logical names.
func (a LocalAsset) LogicalName() string {
	return LogicalName(a.Rel)
}

func LogicalName(name string) string {
	name = strings.TrimSuffix(filepath.ToSlash(name), "/")
	for _, s := range packagedSuffixes {
		if strings.HasSuffix(name, s) {
			return strings.TrimSuffix(name, s)
		}
	}
	return name
}

// ListLocalAssets walks root and returns every regular file as an asset,
// sorted by relative path so downstream results never depend on filesystem
// iteration order.
func ListLocalAssets(root string) ([]LocalAsset, error) {
	var assets []LocalAsset
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".partial") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		assets = append(assets, LocalAsset{Path: path, Rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Rel < assets[j].Rel })
	return assets, nil
}
