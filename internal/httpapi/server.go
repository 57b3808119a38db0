package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/balance/pkg/balance"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	contextKeyActor = "auth_actor"

	errorCodeUnauthorized      = "unauthorized"
	errorCodeInvalidPayload    = "invalid_payload"
	errorCodeAccountNotFound   = "account_not_found"
	errorCodeAlreadySeeded     = "account_already_seeded"
	errorCodeInsufficientFunds = "insufficient_funds"
	errorCodePersistence       = "persistence_error"

	orderAscending = "asc"
)

// Server exposes the balance engine over HTTP. Authorization is a bearer
// JWT check; role decisions beyond holding a valid token stay with the
// token issuer.
type Server struct {
	service *balance.Service
	logger  *zap.Logger
	cfg     Config
}

// New wires a Server around a balance service.
func New(service *balance.Service, logger *zap.Logger, cfg Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("balance service is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{service: service, logger: logger, cfg: cfg}, nil
}

// Run serves HTTP until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin handler tree.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(server.bearerAuth())

	api.GET("/accounts/:account_id/balance", server.handleGetBalance)
	api.POST("/accounts/:account_id/seed", server.handleSeed)
	api.POST("/accounts/:account_id/adjustments", server.handleAdjust)
	api.PUT("/accounts/:account_id/balance", server.handleSetBalance)
	api.GET("/accounts/:account_id/ledger", server.handleListLedger)
	api.POST("/accounts/:account_id/verification", server.handleVerifyAccount)
	api.POST("/verification", server.handleVerifyAll)

	return router
}

func (server *Server) bearerAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(header[len(prefix):], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(server.cfg.AuthSigningKey), nil
		}, jwt.WithIssuer(server.cfg.AuthIssuer))
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid token"))
			return
		}
		ctx.Set(contextKeyActor, claims.Subject)
		ctx.Next()
	}
}

func (server *Server) handleGetBalance(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	snapshot, err := server.service.Balance(requestCtx, accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(snapshot)})
}

func (server *Server) handleSeed(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	var request seedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entry, err := server.service.Seed(requestCtx, accountID, balance.AmountMinor(request.InitialMinor))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := gin.H{"seeded": true}
	if entry != nil {
		response["entry"] = entryPayloadFrom(*entry)
	}
	ctx.JSON(http.StatusCreated, response)
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	var request changeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	reason, metadata, ok := server.bindChange(ctx, request)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entry, err := server.service.Adjust(requestCtx, accountID, balance.AmountMinor(request.DeltaMinor), reason, metadata, server.actorFrom(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryPayloadFrom(entry)})
}

func (server *Server) handleSetBalance(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	var request changeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	reason, metadata, ok := server.bindChange(ctx, request)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entry, err := server.service.SetBalance(requestCtx, accountID, balance.AmountMinor(request.TargetMinor), reason, metadata, server.actorFrom(ctx))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryPayloadFrom(entry)})
}

func (server *Server) handleListLedger(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	query := balance.EntryQuery{
		Limit:         queryInt(ctx, "limit"),
		BeforeUnixUTC: int64(queryInt(ctx, "before")),
		AfterUnixUTC:  int64(queryInt(ctx, "after")),
		Ascending:     ctx.Query("order") == orderAscending,
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	entries, err := server.service.ListEntries(requestCtx, accountID, query)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleVerifyAccount(ctx *gin.Context) {
	accountID, ok := server.bindAccountID(ctx)
	if !ok {
		return
	}
	var request verifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	result, err := server.service.Verify(requestCtx, accountID, request.AutoFix)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"result": verificationPayloadFrom(result)})
}

func (server *Server) handleVerifyAll(ctx *gin.Context) {
	var request verifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()
	bulk, err := server.service.VerifyAll(requestCtx, request.AutoFix)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	details := make([]verificationPayload, 0, len(bulk.Details))
	for _, result := range bulk.Details {
		details = append(details, verificationPayloadFrom(result))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_checked":    bulk.TotalChecked,
		"mismatches_found": bulk.MismatchesFound,
		"fixed":            bulk.Fixed,
		"details":          details,
	})
}

func (server *Server) bindAccountID(ctx *gin.Context) (balance.AccountID, bool) {
	accountID, err := balance.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid account id"))
		return balance.AccountID{}, false
	}
	return accountID, true
}

func (server *Server) bindChange(ctx *gin.Context, request changeRequest) (balance.Reason, balance.MetadataJSON, bool) {
	reason, err := balance.NewReason(request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid reason"))
		return balance.Reason{}, balance.MetadataJSON{}, false
	}
	metadata, err := balance.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "invalid metadata"))
		return balance.Reason{}, balance.MetadataJSON{}, false
	}
	return reason, metadata, true
}

func (server *Server) actorFrom(ctx *gin.Context) *balance.ActorID {
	subject := ctx.GetString(contextKeyActor)
	if subject == "" {
		return nil
	}
	actorID, err := balance.NewActorID(subject)
	if err != nil {
		return nil
	}
	return &actorID
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, balance.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeAccountNotFound, "no balance for account"))
	case errors.Is(err, balance.ErrAccountAlreadySeeded):
		ctx.JSON(http.StatusConflict, errorResponse(errorCodeAlreadySeeded, "account already seeded"))
	case errors.Is(err, balance.ErrInsufficientFunds):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(errorCodeInsufficientFunds, "balance would go negative"))
	case errors.Is(err, balance.ErrInvalidAccountID),
		errors.Is(err, balance.ErrInvalidReason),
		errors.Is(err, balance.ErrInvalidMetadataJSON),
		errors.Is(err, balance.ErrInvalidEntryQuery):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, err.Error()))
	case errors.Is(err, balance.ErrPersistence):
		server.logger.Error("persistence failure", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodePersistence, "temporary failure, try again"))
	default:
		server.logger.Error("balance operation failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodePersistence, "temporary failure, try again"))
	}
}

func queryInt(ctx *gin.Context, name string) int {
	raw := ctx.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type seedRequest struct {
	InitialMinor int64 `json:"initial_minor"`
}

type changeRequest struct {
	DeltaMinor  int64          `json:"delta_minor"`
	TargetMinor int64          `json:"target_minor"`
	Reason      string         `json:"reason"`
	Metadata    map[string]any `json:"metadata"`
}

type verifyRequest struct {
	AutoFix bool `json:"auto_fix"`
}

type balancePayload struct {
	AccountID      string `json:"account_id"`
	BalanceMinor   int64  `json:"balance_minor"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type entryPayload struct {
	EntryID           string          `json:"entry_id"`
	AccountID         string          `json:"account_id"`
	DeltaMinor        int64           `json:"delta_minor"`
	BalanceAfterMinor int64           `json:"balance_after_minor"`
	Reason            string          `json:"reason"`
	Metadata          json.RawMessage `json:"metadata"`
	ActorID           string          `json:"actor_id,omitempty"`
	CreatedUnixUTC    int64           `json:"created_unix_utc"`
}

type verificationPayload struct {
	AccountID        string `json:"account_id"`
	Matches          bool   `json:"matches"`
	StoredMinor      int64  `json:"stored_minor"`
	LedgerMinor      int64  `json:"ledger_minor"`
	DiscrepancyMinor int64  `json:"discrepancy_minor"`
	Fixed            bool   `json:"fixed"`
}

func balancePayloadFrom(snapshot balance.BalanceSnapshot) balancePayload {
	return balancePayload{
		AccountID:      snapshot.AccountID.String(),
		BalanceMinor:   snapshot.BalanceMinor.Int64(),
		UpdatedUnixUTC: snapshot.UpdatedUnixUTC,
	}
}

func entryPayloadFrom(entry balance.Entry) entryPayload {
	actorID := ""
	if entry.ActorID != nil {
		actorID = entry.ActorID.String()
	}
	return entryPayload{
		EntryID:           entry.EntryID,
		AccountID:         entry.AccountID.String(),
		DeltaMinor:        entry.DeltaMinor.Int64(),
		BalanceAfterMinor: entry.BalanceAfterMinor.Int64(),
		Reason:            entry.Reason.String(),
		Metadata:          json.RawMessage(entry.MetadataJSON.String()),
		ActorID:           actorID,
		CreatedUnixUTC:    entry.CreatedUnixUTC,
	}
}

func verificationPayloadFrom(result balance.VerificationResult) verificationPayload {
	return verificationPayload{
		AccountID:        result.AccountID.String(),
		Matches:          result.Matches,
		StoredMinor:      result.StoredMinor.Int64(),
		LedgerMinor:      result.LedgerMinor.Int64(),
		DiscrepancyMinor: result.DiscrepancyMinor.Int64(),
		Fixed:            result.Fixed,
	}
}
