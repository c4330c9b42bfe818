package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/internal/infrastructure/relay"
	"kiosklink/pkg/errors"
	"kiosklink/pkg/utils"
	"kiosklink/pkg/validation"
)

var defaultICEServers = []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

type TokenConfig struct {
	Secret string
	// Issuer is the API key the SFU uses to pick the verification secret.
	Issuer     string
	TTL        time.Duration
	SFUURL     string
	ICEServers []domain.ICEServer
}

// RoomClaims grant one participant access to the room of a pairing key.
type RoomClaims struct {
	Room string      `json:"room"`
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type TokenHandler struct {
	cfg    TokenConfig
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ ports.TokenHTTPHandler = (*TokenHandler)(nil)

func NewTokenHandler(cfg TokenConfig, logger *zap.SugaredLogger) *TokenHandler {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &TokenHandler{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (h *TokenHandler) SetupRoutes(router gin.IRouter) {
	router.GET(relay.PathConfig, h.ICEConfig)
	router.POST(relay.PathToken, h.IssueToken)
}

// ICEConfig returns the configured STUN/TURN servers, or public STUN when
// none are configured.
func (h *TokenHandler) ICEConfig(c *gin.Context) {
	servers := h.cfg.ICEServers
	if len(servers) == 0 {
		servers = defaultICEServers
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, relay.ConfigResponse{ICEServers: servers})
}

// IssueToken signs a short-lived HS256 room token for the SFU provider.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req relay.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("pairId and role required"))
		return
	}
	key, ok := pairingKey(c, req.PairID)
	if !ok {
		return
	}
	if err := validation.ValidateRole(string(req.Role)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Provider != "" {
		provider, err := validation.ValidateProvider(string(req.Provider))
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
			return
		}
		if provider != domain.ProviderSFU {
			c.Error(errors.NewInvalidInputError("room tokens are only issued for the sfu provider").
				WithContext("provider", string(provider)))
			return
		}
	}
	if h.cfg.Secret == "" || h.cfg.SFUURL == "" {
		c.Error(errors.NewAppError(errors.ErrCodeServiceUnavailable, "room tokens are not configured", http.StatusServiceUnavailable))
		return
	}

	now := h.now()
	identity := utils.ParticipantIdentity(string(req.Role))
	expires := now.Add(h.cfg.TTL)
	claims := &RoomClaims{
		Room: key.String(),
		Role: req.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.cfg.Issuer,
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.Secret))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeToken, "failed to sign room token", http.StatusInternalServerError))
		return
	}

	h.logger.Infow("room token issued", "pairing_key", key, "role", req.Role, "identity", identity)
	c.JSON(http.StatusOK, relay.TokenResponse{
		Token:     token,
		URL:       h.cfg.SFUURL,
		Identity:  identity,
		ExpiresAt: expires.Unix(),
	})
}

// ParseRoomToken verifies a token issued by IssueToken.
func ParseRoomToken(token, secret string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
