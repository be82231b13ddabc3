// models/quality.go
package models

// Quality is one rung of the encoding ladder.
type Quality struct {
	Name          string
	Width         int
	Height        int
	Bandwidth     int
	VideoBitrate  string
	MaxRate       string
	BufSize       string
	AudioBitrate  string
	Profile       string
	RetryPriority int
}

// Ladder is ordered from the cheapest rung to the most expensive one.
var Ladder = []Quality{
	{Name: "360p", Width: 640, Height: 360, Bandwidth: 400000, VideoBitrate: "400k", MaxRate: "428k", BufSize: "600k", AudioBitrate: "96k", Profile: "main", RetryPriority: 1},
	{Name: "480p", Width: 854, Height: 480, Bandwidth: 800000, VideoBitrate: "800k", MaxRate: "856k", BufSize: "1200k", AudioBitrate: "96k", Profile: "main", RetryPriority: 2},
	{Name: "720p", Width: 1280, Height: 720, Bandwidth: 1400000, VideoBitrate: "1400k", MaxRate: "1498k", BufSize: "2100k", AudioBitrate: "128k", Profile: "high", RetryPriority: 3},
	{Name: "1080p", Width: 1920, Height: 1080, Bandwidth: 2800000, VideoBitrate: "2800k", MaxRate: "2996k", BufSize: "4200k", AudioBitrate: "192k", Profile: "high", RetryPriority: 4},
}

// LadderFor returns the rungs whose height does not exceed the source height.
func LadderFor(sourceHeight int) []Quality {
	var out []Quality
	for _, q := range Ladder {
		if q.Height <= sourceHeight {
			out = append(out, q)
		}
	}
	return out
}

// QualityByName looks up a rung of the ladder.
func QualityByName(name string) (Quality, bool) {
	for _, q := range Ladder {
		if q.Name == name {
			return q, true
		}
	}
	return Quality{}, false
}

// RetryPriority returns the fixed retry priority for a quality name.
// Unknown names sort after every known rung.
func RetryPriority(name string) int {
	if q, ok := QualityByName(name); ok {
		return q.RetryPriority
	}
	return len(Ladder) + 1
}

// SortByLadder orders quality names the way the ladder does, dropping unknown names.
func SortByLadder(names []string) []string {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	out := make([]string, 0, len(names))
	for _, q := range Ladder {
		if set[q.Name] {
			out = append(out, q.Name)
		}
	}
	return out
}
