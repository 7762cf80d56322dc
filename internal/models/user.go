package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the platform roles carried in access tokens. Identity
// itself is managed by the external auth provider; the API only trusts the
// claims it validates.
type UserRole string

const (
	RoleAdmin      UserRole = "ADMIN"
	RoleCounsellor UserRole = "COUNSELLOR"
	RoleUser       UserRole = "USER"
)

// JWTClaims is the validated token payload attached to each request.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
