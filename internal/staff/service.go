package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "carechat"

// Store is the slice of the staff repository the service needs.
type Store interface {
	Create(ctx context.Context, s *Staff) error
	GetByEmpID(ctx context.Context, empID string) (*Staff, error)
}

type Service struct {
	repo      Store
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

type SessionClaims struct {
	EmpID    string `json:"empId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, ttl time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*Staff, error) {
	empID := strings.TrimSpace(req.EmpID)
	if empID == "" || req.Password == "" {
		return nil, errors.New("empId and password are required")
	}
	role := req.Role
	if role == "" {
		role = "staff"
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	st := &Staff{EmpID: empID, Username: req.Username, Role: role, Password: string(hashed)}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("create staff: %w", err)
	}
	return st, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	st, err := s.repo.GetByEmpID(ctx, req.EmpID)
	if err != nil {
		if errors.Is(err, ErrStaffNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(st.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		EmpID:    st.EmpID,
		Username: st.Username,
		Role:     st.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   st.EmpID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	ss, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		EmpID:       st.EmpID,
		Username:    st.Username,
		Role:        st.Role,
	}, nil
}

// ValidateToken returns the empId, username and role carried by a session token.
func (s *Service) ValidateToken(tokenString string) (string, string, string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", "", "", err
	}
	if !token.Valid {
		return "", "", "", errors.New("invalid token")
	}

	return claims.EmpID, claims.Username, claims.Role, nil
}
