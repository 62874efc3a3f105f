package postprocess

import (
	"regexp"
	"sort"
	"strings"

	"mdbatch/internal/config"
	"mdbatch/pkg/mdjson"
)

// cameraInternalFolder matches folder names created by the camera itself
// (DCIM, 100MEDIA, RECNX101, numbered subfolders) which sit below the
// location-defining folder in a typical card dump.
var cameraInternalFolder = regexp.MustCompile(`(?i)^(dcim|\d{3}media|recnx\d*|\d+)$`)

// LocationName maps a relative image path to a camera location per the job's
// strategy. Repeat detection elimination groups detections by location, so a
// too-fine grouping misses repeats and a too-coarse one merges unrelated
// cameras.
func LocationName(relativePath string, strategy config.LocationStrategy) string {
	relativePath = strings.ReplaceAll(relativePath, "\\", "/")
	tokens := strings.Split(relativePath, "/")
	if len(tokens) <= 1 {
		return ""
	}
	dirs := tokens[:len(tokens)-1]

	switch strategy {
	case config.LocationTopFolder:
		return dirs[0]
	default:
		// Strip trailing camera-internal folders, keep the rest.
		for len(dirs) > 1 && cameraInternalFolder.MatchString(dirs[len(dirs)-1]) {
			dirs = dirs[:len(dirs)-1]
		}
		return strings.Join(dirs, "/")
	}
}

// Locations maps every image in a results file to its location name and
// returns the sorted unique set. Run this before an RDE pass to confirm the
// grouping is neither too fine nor too coarse for the dataset's folder
// layout.
func (o RDEOptions) Locations(results *mdjson.Results, strategy config.LocationStrategy) []string {
	name := o.LocationFunc
	if name == nil {
		name = func(rel string) string { return LocationName(rel, strategy) }
	}

	seen := make(map[string]struct{})
	for _, im := range results.Images {
		seen[name(im.File)] = struct{}{}
	}

	locations := make([]string, 0, len(seen))
	for loc := range seen {
		locations = append(locations, loc)
	}
	sort.Strings(locations)
	return locations
}
