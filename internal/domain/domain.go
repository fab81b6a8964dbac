package domain

const (
	GigOpen      = "open"
	GigAccepted  = "accepted"
	GigCompleted = "completed"
	GigCancelled = "cancelled"
)

// ValidGigStatus reports whether s is one of the gig lifecycle states.
func ValidGigStatus(s string) bool {
	switch s {
	case GigOpen, GigAccepted, GigCompleted, GigCancelled:
		return true
	}
	return false
}

type Location struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lng float64 `json:"lng" minimum:"-180" maximum:"180"`
}

type Gig struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Price               float64   `json:"price"`
	Category            string    `json:"category,omitempty"`
	Deadline            string    `json:"deadline,omitempty"`
	EstimatedDuration   string    `json:"estimated_duration,omitempty"`
	Attachments         []string  `json:"attachments,omitempty"`
	ApproximateLocation *Location `json:"approximate_location,omitempty"`
	CreatedBy           string    `json:"created_by"`
	Status              string    `json:"status" enum:"open,accepted,completed,cancelled"`
	CreatedAt           string    `json:"created_at" format:"date-time"`
	UpdatedAt           string    `json:"updated_at,omitempty" format:"date-time"`
	AcceptedBy          string    `json:"accepted_by,omitempty"`
	AcceptedAt          string    `json:"accepted_at,omitempty" format:"date-time"`
}

// GigLocation is the exact coordinate, kept apart from the public gig document.
type GigLocation struct {
	GigID     string   `json:"gig_id"`
	Exact     Location `json:"exact"`
	Approx    Location `json:"approximate"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Assignment struct {
	GigID         string               `json:"gig_id"`
	UserID        string               `json:"user_id"`
	CurrentStatus string               `json:"current_status"`
	CreatedAt     string               `json:"created_at" format:"date-time"`
	UpdatedAt     string               `json:"updated_at" format:"date-time"`
	History       []StatusHistoryEntry `json:"history,omitempty"`
}

type StatusHistoryEntry struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp" format:"date-time"`
	ActorID   string `json:"actor_id"`
}

type ChatMessage struct {
	ID        string `json:"id"`
	GigID     string `json:"gig_id"`
	SenderID  string `json:"sender_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	FirstName   string   `json:"first_name,omitempty"`
	LastName    string   `json:"last_name,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Address     *Address `json:"address,omitempty"`
	DateOfBirth string   `json:"date_of_birth,omitempty"`
	Role        string   `json:"role"`
	Verified    bool     `json:"verified"`
	CurrentHome string   `json:"current_home,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Home struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name,omitempty"`
	Address   Address   `json:"address"`
	Location  *Location `json:"location,omitempty"`
	Occupants []string  `json:"occupants"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

// IsOccupant is true for the owner and every listed occupant.
func (h Home) IsOccupant(userID string) bool {
	if h.OwnerID == userID {
		return true
	}
	for _, o := range h.Occupants {
		if o == userID {
			return true
		}
	}
	return false
}

const (
	HomeDataPrivate = "private"
	HomeDataPublic  = "public"
)

type HomeEntry struct {
	ID        string         `json:"id"`
	HomeID    string         `json:"home_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedBy string         `json:"created_by"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Payment struct {
	ID        string `json:"id"`
	GigID     string `json:"gig_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}
