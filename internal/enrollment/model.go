package enrollment

// Status enumerates enrollment record states.
type Status string

const (
	// StatusActive marks an enrollment that occupies a seat.
	StatusActive Status = "active"
	// StatusSuspended marks an enrollment kept on record but not occupying a seat.
	StatusSuspended Status = "suspended"
)

// ExpiredAction enumerates what the time-expiry sweep does with an
// enrollment whose end date has passed.
type ExpiredAction string

const (
	// ExpiredActionKeep leaves the enrollment untouched.
	ExpiredActionKeep ExpiredAction = "keep"
	// ExpiredActionSuspend marks the enrollment suspended and strips the granted role.
	ExpiredActionSuspend ExpiredAction = "suspend-no-roles"
	// ExpiredActionUnenrol removes the enrollment entirely.
	ExpiredActionUnenrol ExpiredAction = "unenrol"
)

// Instance is the capacity-bounded enrollment resource. Zero values mean
// unbounded where noted: MaxEnrolled 0 = unlimited, EnrolStartDate and
// EnrolEndDate 0 = open-ended, InactivityThresholdS 0 = never expire.
type Instance struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CourseName string `gorm:"column:course_name;size:320;not null"`

	Enabled              bool  `gorm:"column:enabled;not null;default:true"`
	NewEnrolmentsAllowed bool  `gorm:"column:new_enrolments_allowed;not null;default:true"`
	MaxEnrolled          int64 `gorm:"column:max_enrolled;not null;default:0"`
	EnrolStartDate       int64 `gorm:"column:enrol_start_date;not null;default:0"`
	EnrolEndDate         int64 `gorm:"column:enrol_end_date;not null;default:0"`

	WaitlistEnabled  bool `gorm:"column:waitlist_enabled;not null;default:false"`
	OrderBySeniority bool `gorm:"column:order_by_seniority;not null;default:false"`

	InactivityThresholdS int64         `gorm:"column:inactivity_threshold_s;not null;default:0"`
	ExpiredAction        ExpiredAction `gorm:"column:expired_action;size:32;not null;default:keep"`

	// Expiry-warning task knobs: warnings go out when an active enrollment
	// ends within ExpiryNotifyThresholdS seconds, no earlier in the day
	// than NotifyHour, at most once per day (LastExpiryNotify watermark).
	ExpiryNotifyThresholdS int64 `gorm:"column:expiry_notify_threshold_s;not null;default:0"`
	NotifyHour             int   `gorm:"column:notify_hour;not null;default:0"`
	LastExpiryNotify       int64 `gorm:"column:last_expiry_notify;not null;default:0"`
	ApproverUserID         int64 `gorm:"column:approver_user_id;not null;default:0"`

	// Prerequisite-completion rule: the user must have completed the named
	// category, optionally within RequiredWithinS seconds counted back from
	// now, or from EnrolStartDate when CountFromEnrolStart is set.
	RequiredCategoryID  int64 `gorm:"column:required_category_id;not null;default:0"`
	RequiredWithinS     int64 `gorm:"column:required_within_s;not null;default:0"`
	CountFromEnrolStart bool  `gorm:"column:count_from_enrol_start;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Instance) TableName() string {
	return "enrol_instances"
}

// Enrollment is a user's membership under an instance.
type Enrollment struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID   int64  `gorm:"column:instance_id;not null;uniqueIndex:idx_enrolments_instance_user,priority:1"`
	UserID       int64  `gorm:"column:user_id;not null;uniqueIndex:idx_enrolments_instance_user,priority:2"`
	Status       Status `gorm:"column:status;size:16;not null;default:active;index"`
	RoleGranted  bool   `gorm:"column:role_granted;not null;default:true"`
	TimeStart    int64  `gorm:"column:time_start;not null;default:0"`
	TimeEnd      int64  `gorm:"column:time_end;not null;default:0"`
	TimeCreated  int64  `gorm:"column:time_created;not null"`
	TimeModified int64  `gorm:"column:time_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Enrollment) TableName() string {
	return "enrolments"
}

// CategoryCompletion records that a user completed a prerequisite category.
type CategoryCompletion struct {
	ID            int64 `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        int64 `gorm:"column:user_id;not null;index:idx_completions_user_category,priority:1"`
	CategoryID    int64 `gorm:"column:category_id;not null;index:idx_completions_user_category,priority:2"`
	TimeCompleted int64 `gorm:"column:time_completed;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CategoryCompletion) TableName() string {
	return "category_completions"
}
