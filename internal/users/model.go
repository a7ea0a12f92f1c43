package users

// User carries the account fields the admission engine needs: rendering
// notifications, guest rejection, and the inactivity fallback timestamp.
type User struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	FullName   string `gorm:"column:full_name;size:320;not null"`
	Email      string `gorm:"column:email;size:320;not null;index"`
	Guest      bool   `gorm:"column:guest;not null;default:false"`
	LastAccess int64  `gorm:"column:last_access;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// CourseAccess records the most recent access a user made to a specific
// enrollment instance. The inactivity sweep prefers this over the
// account-wide User.LastAccess when both exist.
type CourseAccess struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID int64 `gorm:"column:instance_id;not null;uniqueIndex:idx_course_access_instance_user,priority:1"`
	UserID     int64 `gorm:"column:user_id;not null;uniqueIndex:idx_course_access_instance_user,priority:2"`
	TimeAccess int64 `gorm:"column:time_access;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CourseAccess) TableName() string {
	return "course_access"
}
