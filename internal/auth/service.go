package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"realtime-chat/internal/config"
	"realtime-chat/internal/database"
	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const maxUsernameLength = 50

// Claims is the JWT payload issued on login.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	users database.UserRepository
	cfg   config.JWTConfig
	now   func() time.Time
}

func NewService(users database.UserRepository, cfg *config.Config) *Service {
	return &Service{
		users: users,
		cfg:   cfg.JWT,
		now:   time.Now,
	}
}

// Login signs a user in by username. Unknown usernames are registered on
// the spot. A password is optional: when one was set at registration it
// must match on every later login.
func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", models.ErrInvalidCommand)
	}
	if len(username) > maxUsernameLength {
		return nil, fmt.Errorf("%w: username must be at most %d characters long", models.ErrInvalidCommand, maxUsernameLength)
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		user, err = s.register(ctx, username, req.Password)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	default:
		if user.PasswordHash != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
				return nil, fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
			}
		}
	}

	// Generate token
	token, err := s.generateToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	// Remove sensitive data
	user.PasswordHash = ""

	return &models.LoginResponse{
		Token: token,
		User:  *user,
	}, nil
}

func (s *Service) register(ctx context.Context, username, password string) (*models.User, error) {
	user := &models.User{
		Username: username,
		Avatar:   defaultAvatar(username),
		Status:   models.StatusOffline,
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}

	created, err := s.users.CreateUser(ctx, user)
	if err != nil {
		// Lost a race with a concurrent login for the same name.
		if existing, lookupErr := s.users.GetUserByUsername(ctx, username); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	logger.Info("Registered new user %s (%s)", created.Username, created.ID)
	return created, nil
}

func defaultAvatar(username string) string {
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(username) + "&background=random"
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.Secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
}

// GetUserFromToken resolves a token to the user it was issued for. Every
// failure is reported as models.ErrUnauthorized.
func (s *Service) GetUserFromToken(ctx context.Context, tokenString string) (*models.User, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", models.ErrUnauthorized)
	}

	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	user.PasswordHash = ""
	return user, nil
}

func (s *Service) generateToken(user *models.User) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.Secret)
}
