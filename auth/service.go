package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/db"
	"github.com/leisurelyCoder/chattle/models"
	"go.uber.org/zap"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Tokens is what a successful login hands back.
type Tokens struct {
	User         *models.User
	AccessToken  string
	RefreshToken string
}

type Service struct {
	db     *db.DB
	issuer *Issuer
	log    *zap.Logger
}

func NewService(database *db.DB, issuer *Issuer, logger *zap.Logger) *Service {
	return &Service{db: database, issuer: issuer, log: logger.Named("auth")}
}

// Register creates the account and returns it with an access token.
func (s *Service) Register(ctx context.Context, username, email, password string) (*Tokens, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	taken, err := s.db.UserExistsByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("check email: %w", err))
	}
	if taken {
		return nil, apperr.Validation("Email already registered")
	}
	taken, err = s.db.UserExistsByUsername(ctx, username)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("check username: %w", err))
	}
	if taken {
		return nil, apperr.Validation("Username already taken")
	}

	user, err := s.db.CreateUser(ctx, username, email, password)
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			// raced another registration between the checks and the insert
			return nil, apperr.Validation("Email already registered")
		}
		return nil, apperr.Internal(fmt.Errorf("create user: %w", err))
	}

	access, err := s.issuer.IssueAccess(user)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("issue access token: %w", err))
	}

	s.log.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return &Tokens{User: user, AccessToken: access}, nil
}

// Login checks credentials and returns an access and a refresh token.
func (s *Service) Login(ctx context.Context, email, password string) (*Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("Email and password are required")
	}

	user, ok, err := s.db.AuthenticateUser(ctx, email, password)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("authenticate: %w", err))
	}
	if !ok {
		return nil, apperr.Authentication("Invalid email or password")
	}

	access, err := s.issuer.IssueAccess(user)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("issue access token: %w", err))
	}
	refresh, err := s.issuer.IssueRefresh(user.ID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("issue refresh token: %w", err))
	}

	s.log.Info("user logged in", zap.String("user_id", user.ID))
	return &Tokens{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh trades a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", apperr.Authentication("Refresh token required")
	}

	claims, err := s.issuer.ParseRefresh(refreshToken)
	if err != nil {
		return "", err
	}

	user, err := s.lookup(ctx, claims.UserID)
	if err != nil {
		return "", err
	}

	access, err := s.issuer.IssueAccess(user)
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("issue access token: %w", err))
	}
	return access, nil
}

// Authenticate resolves an access token to a live user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*models.User, error) {
	if accessToken == "" {
		return nil, apperr.Authentication("Authentication required")
	}

	claims, err := s.issuer.ParseAccess(accessToken)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, claims.UserID)
}

func (s *Service) lookup(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, apperr.Authentication("User not found")
		}
		return nil, apperr.Internal(fmt.Errorf("load user: %w", err))
	}
	return user, nil
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < 3 || n > 50 {
		return apperr.Validation("Username must be between 3 and 50 characters")
	}
	if !usernamePattern.MatchString(username) {
		return apperr.Validation("Username can only contain letters, numbers, and underscores")
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.Validation("Please provide a valid email")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return apperr.Validation("Password must be at least 8 characters")
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return apperr.Validation("Password must be at most 72 characters")
	}

	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return apperr.Validation("Password must contain at least one letter and one number")
	}
	return nil
}
