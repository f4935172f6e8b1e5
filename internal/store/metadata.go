package store

import "time"

// Host is the full record of a remembered host.
type Host struct {
	ContentHash string    `json:"content_hash"`
	Protocol    string    `json:"protocol"`
	Name        string    `json:"name"`    // advertised name at the last visit
	Address     string    `json:"address"` // peripheral address as reported by the radio
	Visits      []Visit   `json:"visits"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Visit records one successful join.
type Visit struct {
	Timestamp  time.Time `json:"timestamp"`
	PlayerName string    `json:"player_name"`
	PlayerID   int       `json:"player_id"`
	Players    []string  `json:"players,omitempty"` // roster at admission
}

// LastVisit returns the most recent visit, if any.
func (h *Host) LastVisit() (Visit, bool) {
	if len(h.Visits) == 0 {
		return Visit{}, false
	}
	return h.Visits[len(h.Visits)-1], true
}

// maxVisits bounds the per-host history
const maxVisits = 50

func (h *Host) addVisit(v Visit) {
	h.Visits = append(h.Visits, v)
	if n := len(h.Visits); n > maxVisits {
		h.Visits = append([]Visit(nil), h.Visits[n-maxVisits:]...)
	}
}
