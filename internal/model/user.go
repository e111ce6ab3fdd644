package model

import "time"

type User struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	Role         string    `json:"role"`
	ProfileImage string    `json:"profile_image,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserSimple is the trimmed user object embedded in chat members.
type UserSimple struct {
	ID           string `json:"id"`
	FullName     string `json:"full_name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
}

func (u *User) ToSimple() UserSimple {
	return UserSimple{
		ID:           u.ID,
		FullName:     u.FullName,
		Email:        u.Email,
		Phone:        u.Phone,
		ProfileImage: u.ProfileImage,
	}
}

// Token is the response of the login endpoint.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
