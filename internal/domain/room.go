package domain

type RoomStatus string

const (
	RoomInProgress RoomStatus = "in-progress"
	RoomCompleted  RoomStatus = "completed"
	RoomCancelled  RoomStatus = "cancelled"
	RoomNoShow     RoomStatus = "no-show"
)

// Terminal reports whether joining a room in this status must be refused.
func (s RoomStatus) Terminal() bool {
	switch s {
	case RoomCompleted, RoomCancelled, RoomNoShow:
		return true
	}
	return false
}

type RoomDetails struct {
	SID        string     `json:"sid"`
	UniqueName string     `json:"uniqueName"`
	Status     RoomStatus `json:"status"`
}
