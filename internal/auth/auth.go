package auth

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xtrntr/coreexchange/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const defaultJWTSecret = "dev-secret-change-me"

func jwtSecret() []byte {
	if s := os.Getenv("EXCHANGE_JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte(defaultJWTSecret)
}

// AuthService handles user registration, login, and token verification
// against the identity store. It knows nothing about accounts, orders,
// or any other domain concern — callers correlate a verified user ID
// with a ledger account themselves.
type AuthService struct {
	Store *db.Store
}

// NewAuthService creates a new auth service.
func NewAuthService(store *db.Store) *AuthService {
	return &AuthService{Store: store}
}

// Register creates a new user with a bcrypt-hashed password.
func (s *AuthService) Register(ctx context.Context, username, password string) (*db.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.Store.CreateUser(ctx, username, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and returns a signed JWT.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.Store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(jwtSecret())
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserFromToken extracts the user ID from a signed JWT.
func (s *AuthService) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}
	return int64(userID), nil
}
