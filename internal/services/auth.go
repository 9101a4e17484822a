package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

const minPasswordLength = 12

type JWTClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthService issues and verifies operator credentials for the compliance
// console. Access tokens are short-lived HS256 JWTs; there is no refresh
// flow, operators reauthenticate when a token expires. Every login attempt,
// successful or not, lands in the audit log.
type AuthService interface {
	Register(ctx context.Context, email, password, role string) (*types.AdminUser, error)
	Login(ctx context.Context, email, password string) (string, *types.AdminUser, error)
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
	GetUser(ctx context.Context, id uuid.UUID) (*types.AdminUser, error)
	// EnsureSeedAdmin creates the bootstrap admin from ADMIN_EMAIL /
	// ADMIN_PASSWORD when no account with that email exists yet.
	EnsureSeedAdmin(ctx context.Context) error
	AccessTTL() time.Duration
}

type authService struct {
	db        *gorm.DB
	log       *logger.Logger
	txr       TxRunner
	users     repos.AdminUserRepo
	auditLog  repos.AuditEntryRepo
	jwtSecret string
	accessTTL time.Duration
}

func NewAuthService(
	db *gorm.DB,
	baseLog *logger.Logger,
	txr TxRunner,
	users repos.AdminUserRepo,
	auditLog repos.AuditEntryRepo,
	jwtSecret string,
	accessTTL time.Duration,
) AuthService {
	return &authService{
		db:        db,
		log:       baseLog.With("service", "AuthService"),
		txr:       txr,
		users:     users,
		auditLog:  auditLog,
		jwtSecret: jwtSecret,
		accessTTL: accessTTL,
	}
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleAuditor:
		return true
	}
	return false
}

func (s *authService) Register(ctx context.Context, email, password, role string) (*types.AdminUser, error) {
	if s == nil || s.users == nil || s.txr == nil {
		return nil, fmt.Errorf("auth service not initialized")
	}
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a valid email is required")
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if role == "" {
		role = RoleOperator
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	existing, err := s.users.GetByEmail(dbctx.Context{Ctx: ctx}, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("an account with that email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &types.AdminUser{
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if _, err := s.users.Create(dbc, user); err != nil {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actorFrom(ctx, ""),
			Action:   "auth.user.registered",
			Target:   user.ID.String(),
			Category: AuditCategoryAuth,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{"email": email, "role": role}); err != nil {
			return err
		}
		_, err := s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("admin user registered", "user_id", user.ID, "role", role)
	return user, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (string, *types.AdminUser, error) {
	if s == nil || s.users == nil {
		return "", nil, fmt.Errorf("auth service not initialized")
	}
	email = normalizeEmail(email)
	dbc := dbctx.Context{Ctx: ctx}

	user, err := s.users.GetByEmail(dbc, email)
	if err != nil {
		return "", nil, err
	}
	if user == nil {
		s.recordLogin(email, uuid.Nil, false, "unknown email")
		return "", nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordLogin(email, user.ID, false, "password mismatch")
		return "", nil, fmt.Errorf("invalid credentials")
	}

	token, err := s.generateAccessToken(user)
	if err != nil {
		return "", nil, fmt.Errorf("generate access token: %w", err)
	}
	now := time.Now().UTC()
	if err := s.users.UpdateFields(dbc, user.ID, map[string]interface{}{"last_login_at": now}); err != nil {
		s.log.Warn("last login update failed", "user_id", user.ID, "error", err)
	}
	user.LastLoginAt = &now
	s.recordLogin(email, user.ID, true, "")
	return token, user, nil
}

func (s *authService) GetUser(ctx context.Context, id uuid.UUID) (*types.AdminUser, error) {
	if s == nil || s.users == nil {
		return nil, fmt.Errorf("auth service not initialized")
	}
	return s.users.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *authService) EnsureSeedAdmin(ctx context.Context) error {
	if s == nil || s.users == nil {
		return fmt.Errorf("auth service not initialized")
	}
	email := normalizeEmail(envutil.Str("ADMIN_EMAIL", ""))
	password := envutil.Str("ADMIN_PASSWORD", "")
	if email == "" || password == "" {
		return nil
	}
	existing, err := s.users.GetByEmail(dbctx.Context{Ctx: ctx}, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if _, err := s.Register(ctx, email, password, RoleAdmin); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	s.log.Info("seed admin created", "email", email)
	return nil
}

func (s *authService) generateAccessToken(user *types.AdminUser) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// SetContextFromToken validates the token and loads the actor into the
// request context. An empty token passes through untouched; protected routes
// reject that downstream.
func (s *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	if s == nil {
		return ctx, fmt.Errorf("auth service not initialized")
	}
	if tokenString == "" {
		return ctx, nil
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return ctx, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*JWTClaims)
	if !ok || !parsed.Valid {
		return ctx, fmt.Errorf("invalid or expired token")
	}
	actorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return ctx, fmt.Errorf("invalid subject in token: %w", err)
	}
	sessionID := uuid.Nil
	if claims.ID != "" {
		if sid, err := uuid.Parse(claims.ID); err == nil {
			sessionID = sid
		}
	}
	rd := &ctxutil.RequestData{
		TokenString: tokenString,
		ActorID:     actorID,
		Role:        claims.Role,
		SessionID:   sessionID,
	}
	return ctxutil.WithRequestData(ctx, rd), nil
}

func (s *authService) AccessTTL() time.Duration { return s.accessTTL }

// recordLogin appends the auth audit entry outside any caller transaction.
// Failed attempts are recorded with the attempted email so lockout reviews
// can see them.
func (s *authService) recordLogin(email string, userID uuid.UUID, success bool, reason string) {
	if s.auditLog == nil {
		return
	}
	actor := email
	if userID != uuid.Nil {
		actor = userID.String()
	}
	entry := &types.AuditEntry{
		ActorID:  actor,
		Action:   "auth.login",
		Category: AuditCategoryAuth,
		Result:   AuditResultSuccess,
	}
	details := map[string]any{"email": email}
	if !success {
		entry.Result = AuditResultDenied
		details["reason"] = reason
	}
	if err := entry.SetDetails(details); err != nil {
		s.log.Warn("login audit details encode failed", "error", err)
		return
	}
	if _, err := s.auditLog.Append(dbctx.Context{Ctx: context.Background()}, entry); err != nil {
		s.log.Warn("login audit append failed", "error", err)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
