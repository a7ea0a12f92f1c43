package waitlist

// Entry is one user's place in an instance's waiting list. TimeCreated is
// immutable after creation; TimeModified moves on every mutation. Notified
// counts scheduler notifications and only ever grows, except through an
// explicit counter reset.
type Entry struct {
	ID            int64 `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID    int64 `gorm:"column:instance_id;not null;uniqueIndex:idx_waitlist_instance_user,priority:1"`
	UserID        int64 `gorm:"column:user_id;not null;uniqueIndex:idx_waitlist_instance_user,priority:2"`
	GroupID       int64 `gorm:"column:group_id;not null;default:0"`
	SeniorityDate int64 `gorm:"column:seniority_date;not null;default:0"`
	Notified      int   `gorm:"column:notified;not null;default:0"`
	TimeCreated   int64 `gorm:"column:time_created;not null"`
	TimeModified  int64 `gorm:"column:time_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "waitlist_entries"
}

// Ordering selects the queue's order key. Both orderings fall back to
// creation time and finally the autoincrement id, so the resulting rank is
// a strict total order per instance.
type Ordering int

const (
	// OrderByCreation ranks entries by (time_created, id).
	OrderByCreation Ordering = iota
	// OrderBySeniority ranks entries by (seniority_date, time_created, id).
	OrderBySeniority
)

func (o Ordering) orderClause() string {
	if o == OrderBySeniority {
		return "seniority_date ASC, time_created ASC, id ASC"
	}
	return "time_created ASC, id ASC"
}

// JoinRequest describes a new waitlist entry. SeniorityDate is optional
// and only consulted when the instance orders its queue by seniority.
type JoinRequest struct {
	InstanceID    int64
	UserID        int64
	GroupID       int64
	SeniorityDate int64
}

// Partition splits a bulk membership check into the users that hold an
// entry and those that do not, each preserving the caller's input order.
type Partition struct {
	Queued    []int64
	NotQueued []int64
}

// PositionNotFound is reported when a user holds no rankable entry,
// including when their entry exists but has exhausted its notifications.
const PositionNotFound = -1
