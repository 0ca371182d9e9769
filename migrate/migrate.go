// Package migrate implements the version-namespaced migration
// procedure: merging retained data scattered across several past
// version namespaces into one new namespace, in ascending semver
// order, then clearing the namespaces that were merged away.
package migrate

import (
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/studiolambda/cosmos/sync/cache"
	"github.com/studiolambda/cosmos/sync/path"
)

// Core is the subset of the sync core a migration needs. It exists so
// this package never imports the sync core directly: sync.Sync
// satisfies Core structurally, and wires migrations through Run at
// construction time.
type Core interface {
	Subscribe(selector string, cb func(error)) error
	Unsubscribe(selector string) error
	WaitForHeartbeatOnce(fn func())
	Cache() *cache.Cache
	Clear(prefixes []string, cb func(count int)) error
	PublishRaw(topic string, value any) error
}

// Item describes one migration: merge every version namespace at
// Topic (a selector whose last wildcard stands in for the version
// segment, with only literal segments after it) into NewVersion.
type Item struct {
	// Topic is a selector whose segments up to and including the
	// version follow /org/device/@scope/cap/version/sub…, with
	// wildcards allowed before the version segment but not after it.
	// The version segment itself is the selector's last wildcard.
	Topic string

	// NewVersion is the destination namespace. Only version children
	// with a version <= NewVersion are merged in.
	NewVersion string

	// Transform, if set, is applied to the merged document before it
	// is published.
	Transform func(merged any) any

	// Flat publishes the merged result as one retained message per
	// leaf instead of Level-bounded subdocuments.
	Flat bool

	// Level bounds atomic descent when Flat is false: 0 publishes the
	// whole subdocument as one retained message, 1 publishes each
	// immediate child separately, and so on.
	Level int
}

type versionEntry struct {
	version string
	doc     any
}

// Run executes every item against core, then invokes onComplete. Items
// run sequentially; an empty list completes immediately.
func Run(core Core, items []Item, onComplete func()) {
	for _, item := range items {
		runItem(core, item)
	}

	if onComplete != nil {
		onComplete()
	}
}

func runItem(core Core, item Item) {
	selectorPath := path.TopicToPath(item.Topic)
	versionIndex := versionSegmentIndex(selectorPath)

	if versionIndex < 0 {
		return
	}

	suffix := append([]string(nil), selectorPath[versionIndex+1:]...)

	if err := core.Subscribe(item.Topic, func(error) {}); err != nil {
		return
	}

	awaitHeartbeat(core)

	groups := collectGroups(core.Cache(), selectorPath, versionIndex)

	for groundedPrefix, entries := range groups {
		merged := mergeVersions(entries, item.NewVersion)

		if merged == nil {
			continue
		}

		if item.Transform != nil {
			merged = item.Transform(merged)
		}

		targetPath := append(append(append([]string(nil), path.TopicToPath(groundedPrefix)...), item.NewVersion), suffix...)
		publishMerged(core, targetPath, merged, item.Flat, item.Level)
	}

	_ = core.Unsubscribe(item.Topic)

	awaitHeartbeat(core)

	clearOldVersions(core, groups, suffix, item.NewVersion)
}

func awaitHeartbeat(core Core) {
	done := make(chan struct{})
	core.WaitForHeartbeatOnce(func() { close(done) })
	<-done
}

// versionSegmentIndex returns the index of the selector's last
// wildcard segment (+, *, or +NAME) before any trailing "#", which by
// construction is the version placeholder: wildcards are allowed
// before the version segment but never after it.
func versionSegmentIndex(selectorPath []string) int {
	last := -1

	for i, seg := range selectorPath {
		if seg == "#" {
			break
		}

		if seg == "+" || seg == "*" || (len(seg) >= 2 && seg[0] == '+') {
			last = i
		}
	}

	return last
}

func collectGroups(c *cache.Cache, selectorPath []string, versionIndex int) map[string][]versionEntry {
	groups := make(map[string][]versionEntry)

	c.ForMatch(selectorPath, func(value any, matchedPath []string, bindings map[string]string) {
		if len(matchedPath) <= versionIndex {
			return
		}

		groundedPrefix := path.PathToTopic(matchedPath[:versionIndex])
		version := matchedPath[versionIndex]

		groups[groundedPrefix] = append(groups[groundedPrefix], versionEntry{version: version, doc: value})
	})

	return groups
}

func normalizeSemver(version string) string {
	if !strings.HasPrefix(version, "v") {
		return "v" + version
	}

	return version
}

// mergeVersions deep-merges entries whose version is <= newVersion, in
// ascending order, last wins per leaf. A version string that is not
// fully specified (e.g. "1.2") is treated as its minimum possible
// version by golang.org/x/mod/semver's own canonicalization.
func mergeVersions(entries []versionEntry, newVersion string) any {
	maxVersion := normalizeSemver(newVersion)

	filtered := make([]versionEntry, 0, len(entries))

	for _, entry := range entries {
		if semver.Compare(normalizeSemver(entry.version), maxVersion) <= 0 {
			filtered = append(filtered, entry)
		}
	}

	if len(filtered) == 0 {
		return nil
	}

	sort.Slice(filtered, func(i, j int) bool {
		return semver.Compare(normalizeSemver(filtered[i].version), normalizeSemver(filtered[j].version)) < 0
	})

	var merged any

	for _, entry := range filtered {
		merged = deepMerge(merged, entry.doc)
	}

	return merged
}

func deepMerge(dst, src any) any {
	dstObject, dstOK := dst.(map[string]any)
	srcObject, srcOK := src.(map[string]any)

	if !dstOK || !srcOK {
		return cloneLeaf(src)
	}

	merged := make(map[string]any, len(dstObject))

	for key, value := range dstObject {
		merged[key] = value
	}

	for key, value := range srcObject {
		if existing, ok := merged[key]; ok {
			merged[key] = deepMerge(existing, value)
		} else {
			merged[key] = cloneLeaf(value)
		}
	}

	return merged
}

func publishMerged(core Core, targetPath []string, value any, flat bool, level int) {
	if flat {
		base := path.PathToTopic(targetPath)

		for topic, leaf := range cache.ToFlatObject(value) {
			_ = core.PublishRaw(base+topic, leaf)
		}

		return
	}

	publishAtLevel(core, targetPath, value, level)
}

func publishAtLevel(core Core, basePath []string, value any, level int) {
	if level <= 0 {
		_ = core.PublishRaw(path.PathToTopic(basePath), value)

		return
	}

	object, ok := value.(map[string]any)

	if !ok {
		_ = core.PublishRaw(path.PathToTopic(basePath), value)

		return
	}

	for key, child := range object {
		publishAtLevel(core, append(append([]string(nil), basePath...), key), child, level-1)
	}
}

func clearOldVersions(core Core, groups map[string][]versionEntry, suffix []string, newVersion string) {
	maxVersion := normalizeSemver(newVersion)

	var prefixes []string

	for groundedPrefix, entries := range groups {
		for _, entry := range entries {
			if semver.Compare(normalizeSemver(entry.version), maxVersion) >= 0 {
				continue
			}

			oldPath := append(append(append([]string(nil), path.TopicToPath(groundedPrefix)...), entry.version), suffix...)
			prefixes = append(prefixes, path.PathToTopic(oldPath))
		}
	}

	if len(prefixes) == 0 {
		return
	}

	_ = core.Clear(prefixes, nil)
}
