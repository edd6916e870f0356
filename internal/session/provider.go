package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	tokenIssuer   = "agora-api"
	tokenAudience = "agora-client"

	// MinPasswordLength matches the identity service the mobile client was built against.
	MinPasswordLength = 6
)

// IdentityProvider authenticates users and issues session tokens. Failures
// are *models.AppError values carrying one of the auth codes.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	Verify(ctx context.Context, token string) (*Session, error)
	Revoke(ctx context.Context, token string) error
	DeleteIdentity(ctx context.Context, userID string) error
}

// Identity is a credential row.
type Identity struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"uniqueIndex;size:320;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
}

// TableName implements gorm's tabler.
func (Identity) TableName() string { return "identities" }

// LocalOption configures a LocalProvider.
type LocalOption func(*LocalProvider)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) LocalOption {
	return func(p *LocalProvider) { p.cost = cost }
}

// LocalProvider stores identities with gorm and issues HS256 tokens.
// Revoked token ids are kept in redis when a client is configured.
type LocalProvider struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
	redis  *redis.Client
	cost   int
	now    func() time.Time
}

// NewLocalProvider migrates the identities table and returns the provider.
// rdb may be nil, in which case sign-out does not revoke outstanding tokens.
func NewLocalProvider(db *gorm.DB, secret string, ttl time.Duration, rdb *redis.Client, opts ...LocalOption) (*LocalProvider, error) {
	if secret == "" {
		return nil, errors.New("JWT secret not configured")
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		return nil, fmt.Errorf("migrate identities: %w", err)
	}
	p := &LocalProvider{
		db:     db,
		secret: []byte(secret),
		ttl:    ttl,
		redis:  rdb,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp creates an identity and returns a session for it.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string) (*Session, error) {
	if len(password) < MinPasswordLength {
		return nil, models.NewAuthError(models.CodeWeakPassword,
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, &models.AppError{Code: models.CodeAuthUnknown, Message: "Could not create account", Err: err}
	}

	ident := &Identity{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
	}
	if err := p.db.WithContext(ctx).Create(ident).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, models.NewAuthError(models.CodeEmailInUse, "An account with this email already exists")
		}
		return nil, &models.AppError{Code: models.CodeAuthUnknown, Message: "Could not create account", Err: err}
	}

	return p.issue(ident)
}

// SignIn checks credentials and returns a fresh session.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var ident Identity
	err := p.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewAuthError(models.CodeInvalidCredentials, "Invalid credentials")
	}
	if err != nil {
		return nil, &models.AppError{Code: models.CodeAuthUnknown, Message: "Could not sign in", Err: err}
	}

	if cmpErr := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)); cmpErr != nil {
		return nil, models.NewAuthError(models.CodeInvalidCredentials, "Invalid credentials")
	}
	return p.issue(&ident)
}

func (p *LocalProvider) issue(ident *Identity) (*Session, error) {
	now := p.now()
	expires := now.Add(p.ttl)
	claims := jwt.MapClaims{
		"sub":   ident.ID,
		"email": ident.Email,
		"iss":   tokenIssuer,
		"aud":   tokenAudience,
		"exp":   expires.Unix(),
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"jti":   uuid.NewString(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return nil, &models.AppError{Code: models.CodeAuthUnknown, Message: "Could not issue token", Err: err}
	}
	return &Session{UserID: ident.ID, Email: ident.Email, Token: token, ExpiresAt: expires}, nil
}

func (p *LocalProvider) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return nil, models.NewAuthError(models.CodeUnauthenticated, "Invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, models.NewAuthError(models.CodeUnauthenticated, "Invalid token claims")
	}
	return claims, nil
}

// Verify validates a token and returns the session it carries.
func (p *LocalProvider) Verify(ctx context.Context, tokenString string) (*Session, error) {
	claims, err := p.parse(tokenString)
	if err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, models.NewAuthError(models.CodeUnauthenticated, "Invalid subject claim")
	}

	if jti, ok := claims["jti"].(string); ok && jti != "" && p.redis != nil {
		revoked, err := p.redis.Exists(ctx, "blacklist:"+jti).Result()
		if err == nil && revoked > 0 {
			return nil, models.NewAuthError(models.CodeUnauthenticated, "Token has been revoked")
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, models.NewAuthError(models.CodeUnauthenticated, "Invalid expiration claim")
	}
	email, _ := claims["email"].(string)
	return &Session{UserID: sub, Email: email, Token: tokenString, ExpiresAt: exp.Time}, nil
}

// Revoke blacklists the token id until the token would have expired.
func (p *LocalProvider) Revoke(ctx context.Context, tokenString string) error {
	if p.redis == nil {
		return nil
	}
	claims, err := p.parse(tokenString)
	if err != nil {
		// Already unusable.
		return nil
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil
	}
	ttl := time.Minute
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if remaining := exp.Sub(p.now()); remaining > 0 {
			ttl = remaining
		}
	}
	return p.redis.Set(ctx, "blacklist:"+jti, "1", ttl).Err()
}

// DeleteIdentity removes the credential row for userID.
func (p *LocalProvider) DeleteIdentity(ctx context.Context, userID string) error {
	return p.db.WithContext(ctx).Where("id = ?", userID).Delete(&Identity{}).Error
}

// isUniqueViolation detects unique constraint failures on postgres and sqlite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}
