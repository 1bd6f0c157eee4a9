package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("registry: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("registry: password must be at least 8 characters")
	// ErrNotAdmin signals the token belongs to a non-admin participant.
	ErrNotAdmin = errors.New("registry: admin role required")
)

// Service handles participant accounts, authentication, and the read-only
// queries the case pipeline performs before admitting a party.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and participant returned after a successful login.
type LoginResult struct {
	Token       string
	Participant Participant
}

// NewService creates a new registry service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new participant account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Participant, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("registry: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("registry: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleComplainant
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("registry: invalid role %q", role)
	}

	p, err := s.repo.CreateParticipant(ctx, CreateParticipantParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Login authenticates a participant and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(p.ID, p.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("registry: generate token: %w", err)
	}

	return LoginResult{Token: token, Participant: p}, nil
}

// IsRegistered reports the role and active flag for a participant id.
func (s *Service) IsRegistered(ctx context.Context, id string) (Role, bool, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return p.Role, p.Active, nil
}

// CanParticipate reports whether the participant may take the given role in a
// case: registered, active, and holding exactly that role.
func (s *Service) CanParticipate(ctx context.Context, caseID, id string, required Role) (bool, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = caseID // role membership does not currently depend on the case
	return p.Active && p.Role == required, nil
}

// Qualified reports whether the participant is registered and active.
func (s *Service) Qualified(ctx context.Context, id string) (bool, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Active, nil
}

// Reputation returns the participant's current reputation score.
func (s *Service) Reputation(ctx context.Context, id string) (int, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.Reputation, nil
}

// AdjustReputation applies a signed delta inside the caller's transaction.
func (s *Service) AdjustReputation(ctx context.Context, tx pgx.Tx, id string, delta int) (int, error) {
	return s.repo.AdjustReputation(ctx, tx, id, delta)
}

// ValidatorPool lists the active validators eligible for panel selection.
func (s *Service) ValidatorPool(ctx context.Context) ([]Participant, error) {
	return s.repo.ListActiveByRole(ctx, RoleValidator)
}

// VerifyToken validates a JWT token and returns the participant id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("registry: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		id, ok := claims["participant_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("registry: invalid participant_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("registry: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("registry: invalid role %q in token", roleStr)
		}
		return id, role, nil
	}

	return "", "", fmt.Errorf("registry: invalid token")
}

// VerifyAdminToken validates a token and requires the admin role. The case
// cancellation path is gated on this.
func (s *Service) VerifyAdminToken(tokenString string) (string, error) {
	id, role, err := s.VerifyToken(tokenString)
	if err != nil {
		return "", err
	}
	if role != RoleAdmin {
		return "", ErrNotAdmin
	}
	return id, nil
}

// generateToken creates a JWT token for the participant.
func (s *Service) generateToken(id string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"participant_id": id,
		"role":           role,
		"exp":            time.Now().Add(24 * time.Hour).Unix(),
		"iat":            time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleComplainant, RoleEnterprise, RoleValidator, RoleAdmin:
		return true
	default:
		return false
	}
}
