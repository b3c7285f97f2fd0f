package models

// UserType represents the role of an authenticated user within an organization
type UserType string

const (
	UserTypeAdmin    UserType = "admin"
	UserTypeOperator UserType = "operator"
	UserTypeViewer   UserType = "viewer"
)
