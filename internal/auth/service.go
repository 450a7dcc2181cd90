package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cadenza/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("username already exists")
	// ErrMissingCredentials is returned for an empty username or password.
	ErrMissingCredentials = errors.New("username and password are required")
	// ErrRegistrationDisabled is returned when self-registration is off.
	ErrRegistrationDisabled = errors.New("registration is disabled")
	// ErrUnavailable wraps identity store failures.
	ErrUnavailable = errors.New("identity service unavailable")
)

// Service provides authentication functionality on top of a UserStore
type Service struct {
	store             UserStore
	sessionManager    *SessionManager
	allowRegistration bool
	logger            *logrus.Logger
}

// NewService creates a new authentication service
func NewService(store UserStore, sessionManager *SessionManager, allowRegistration bool, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:             store,
		sessionManager:    sessionManager,
		allowRegistration: allowRegistration,
		logger:            logger,
	}
}

// GetSessionManager returns the session manager (for middleware)
func (s *Service) GetSessionManager() *SessionManager {
	return s.sessionManager
}

// IsRegistrationAllowed returns whether user registration is enabled
func (s *Service) IsRegistrationAllowed() bool {
	return s.allowRegistration
}

// Login verifies credentials and returns the matching account
func (s *Service) Login(username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	user, err := s.store.FindByUsername(username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		s.logger.WithError(err).WithField("username", username).Error("Identity store login lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !checkPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Register creates a new non-admin user account
func (s *Service) Register(username, password string) (*models.User, error) {
	if !s.IsRegistrationAllowed() {
		return nil, ErrRegistrationDisabled
	}
	return s.createUser(username, password, false)
}

// UserByID resolves the account behind a session. A deleted account yields
// ErrNotFound.
func (s *Service) UserByID(id string) (*models.User, error) {
	user, err := s.store.FindByID(id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return user, nil
}

// EnsureAdmin creates an admin account when the store has none. When
// password is empty a random one is generated and returned so the caller
// can show it once.
func (s *Service) EnsureAdmin(username, password string) (created bool, generated string, err error) {
	count, err := s.store.CountAdmins()
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count > 0 {
		return false, "", nil
	}

	if password == "" {
		password, err = generateRandomPassword(16)
		if err != nil {
			return false, "", fmt.Errorf("failed to generate admin password: %w", err)
		}
		generated = password
	}

	if _, err := s.createUser(username, password, true); err != nil {
		return false, "", err
	}
	s.logger.WithField("username", username).Info("Created bootstrap admin account")
	return true, generated, nil
}

func (s *Service) createUser(username, password string, isAdmin bool) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	// Check username uniqueness first so a store outage is reported as such
	// rather than as a failed insert.
	_, err := s.store.FindByUsername(username)
	switch {
	case err == nil:
		return nil, ErrUserExists
	case !errors.Is(err, ErrNotFound):
		s.logger.WithError(err).WithField("username", username).Error("Identity store register check failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.Create(user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrUserExists
		}
		s.logger.WithError(err).WithField("username", username).Error("Identity store insert failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &user, nil
}
