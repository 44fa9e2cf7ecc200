package restapi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/app/provider"
	"stake_orchestrator/internal/app/service"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/network/client"
	networkdefinition "stake_orchestrator/internal/infrastructure/network/definition"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON-RPC error codes used by the relay itself.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeServerError    = -32000
)

const defaultNodeStatusTTL = 10 * time.Second

// RelayErrorData is attached to every relayed error so callers can render it.
type RelayErrorData struct {
	Kind     entity.ErrorKind `json:"kind"`
	Friendly string           `json:"friendly"`
	Upstream any              `json:"upstream,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Network   string                  `json:"network"`
	ChainID   uint64                  `json:"chainId"`
	Wallet    bool                    `json:"wallet"`
	Connected bool                    `json:"connected"`
	Accounts  []string                `json:"accounts"`
	WalletCID string                  `json:"walletChainId,omitempty"`
	SendLock  bool                    `json:"sendLockHeld"`
	Status    provider.StatusSnapshot `json:"status"`
	Block     *uint64                 `json:"block,omitempty"`
}

// FeeResponse is the body of GET /api/v1/fee.
type FeeResponse struct {
	Quote entity.FeeQuote   `json:"quote"`
	Gwei  map[string]string `json:"gwei"`
}

// ClassifyRequest is the body of POST /api/v1/classify.
type ClassifyRequest struct {
	Code    int    `json:"code"`
	Message string `json:"message" binding:"required"`
	Data    any    `json:"data,omitempty"`
}

// RelayHandler exposes the session over HTTP. Wallet routes answer 503 when no upstream
// wallet is configured.
type RelayHandler struct {
	session   *service.Session
	queue     *service.WalletQueue
	status    *provider.AbortableStatusSink
	logger    port.Logger
	pool      *client.EndpointPool
	statusTTL time.Duration

	mu      sync.Mutex
	readers map[string]*client.ChainReader
}

func NewRelayHandler(session *service.Session, queue *service.WalletQueue, status *provider.AbortableStatusSink, logger port.Logger) *RelayHandler {
	if logger == nil {
		logger = port.NopLogger{}
	}
	if status == nil {
		status = provider.NewAbortableStatusSink(nil)
	}
	return &RelayHandler{
		session:   session,
		queue:     queue,
		status:    status,
		logger:    logger,
		statusTTL: defaultNodeStatusTTL,
		readers:   make(map[string]*client.ChainReader),
	}
}

// SetEndpointPool enables GET /api/v1/node/endpoint.
func (h *RelayHandler) SetEndpointPool(pool *client.EndpointPool) {
	h.pool = pool
}

// ForwardHandler forwards a JSON-RPC request through the wallet queue.
func (h *RelayHandler) ForwardHandler(c *gin.Context) {
	req, ok := h.decodeRPC(c)
	if !ok {
		return
	}
	if h.queue == nil {
		h.writeRPCError(c, req.ID, codeServerError, "no upstream wallet configured", nil)
		return
	}
	var (
		res []byte
		err error
	)
	tx, isTx := sendTransactionArg(req)
	if isTx {
		res, err = h.session.SendTransaction(c.Request.Context(), h.queue, tx, req.Method)
	} else {
		res, err = h.queue.Request(c.Request.Context(), req.Method, req.Params)
	}
	if err == nil && isTx {
		var hash string
		if jsonAPI.Unmarshal(res, &hash) == nil && hash != "" {
			h.logger.Info("Transaction submitted", "hash", hash, "explorer", h.session.Network().ExplorerLink(entity.ExplorerTx, hash))
		}
	}
	h.writeRPCResult(c, req, res, err)
}

// ReadHandler forwards a JSON-RPC request straight to the read router.
func (h *RelayHandler) ReadHandler(c *gin.Context) {
	req, ok := h.decodeRPC(c)
	if !ok {
		return
	}
	res, err := h.session.Reader().Send(c.Request.Context(), req.Method, req.Params)
	h.writeRPCResult(c, req, res, err)
}

// StopBackoffHandler aborts the backoff wait in progress.
func (h *RelayHandler) StopBackoffHandler(c *gin.Context) {
	stopped := h.status.Stop()
	if stopped {
		h.logger.Info("Backoff stop requested over HTTP")
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

// StatusHandler reports the session and queue state.
func (h *RelayHandler) StatusHandler(c *gin.Context) {
	network := h.session.Network()
	resp := StatusResponse{
		Network:   network.Identifier,
		ChainID:   network.ChainID,
		Wallet:    h.queue != nil,
		Connected: h.session.Connected(),
		Accounts:  h.session.Accounts(),
		Status:    h.status.Snapshot(),
	}
	if h.queue != nil {
		resp.WalletCID = h.queue.CachedChainID()
	}
	if m := h.session.SendMutex(); m != nil {
		resp.SendLock = m.Held()
	}
	if block, ok := h.session.Poller().Latest(); ok {
		resp.Block = &block
	}
	c.JSON(http.StatusOK, resp)
}

// NetworksHandler lists the network table.
func (h *RelayHandler) NetworksHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"networks": h.session.Networks()})
}

// NetworkView is a network with its derived websocket endpoints.
type NetworkView struct {
	entity.NetworkConfig
	WebSocketURLs []string `json:"webSocketUrls,omitempty"`
}

// NetworkHandler returns the selected network.
func (h *RelayHandler) NetworkHandler(c *gin.Context) {
	network := h.session.Network()
	c.JSON(http.StatusOK, NetworkView{NetworkConfig: network, WebSocketURLs: network.WebSocketCandidates()})
}

// SelectNetworkHandler selects the network named in the path.
func (h *RelayHandler) SelectNetworkHandler(c *gin.Context) {
	identifier := c.Param("identifier")
	network, err := h.session.SelectNetwork(identifier)
	switch {
	case errors.Is(err, networkdefinition.ErrUnknownNetwork):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, networkdefinition.ErrNetworkDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to select network", "network", identifier, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, network)
}

// EnsureNetworkHandler asks the upstream wallet to switch to the selected network.
func (h *RelayHandler) EnsureNetworkHandler(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no upstream wallet configured"})
		return
	}
	if err := h.session.EnsureNetwork(c.Request.Context(), h.queue); err != nil {
		cls := h.session.Classifier().Classify(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": cls})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chainId": h.session.Network().ChainIDHex()})
}

// NodeStatusHandler reports node health of the selected network.
func (h *RelayHandler) NodeStatusHandler(c *gin.Context) {
	st, err := h.chainReader().NodeStatus(c.Request.Context())
	if err != nil {
		h.writeClassified(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// EndpointHandler probes the RPC URLs of the selected network and returns the first
// working one, which is remembered for the next pick.
func (h *RelayHandler) EndpointHandler(c *gin.Context) {
	if h.pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "endpoint pool disabled"})
		return
	}
	network := h.session.Network()
	url, err := h.pool.PickWorkingEndpoint(c.Request.Context(), network)
	if err != nil {
		h.writeClassified(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"network": network.Identifier, "url": url})
}

// BlockHandler returns a block summary; the tag query parameter defaults to latest.
func (h *RelayHandler) BlockHandler(c *gin.Context) {
	info, err := h.chainReader().BlockInfo(c.Request.Context(), c.DefaultQuery("tag", "latest"))
	if err != nil {
		h.writeClassified(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// BalanceHandler returns the native balance of an address, or a pool token balance when
// the token query parameter names one (wrapped, aqua, arc).
func (h *RelayHandler) BalanceHandler(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid address %q", address)})
		return
	}
	network := h.session.Network()
	reader := h.chainReader()

	var (
		bal *entity.Balance
		err error
	)
	switch token := strings.ToLower(c.Query("token")); token {
	case "":
		bal, err = reader.NativeBalance(c.Request.Context(), address)
	case "wrapped":
		bal, err = reader.TokenBalance(c.Request.Context(), network.Contracts.WrappedNative, network.Coins.Wrapped, address)
	case "aqua":
		bal, err = reader.TokenBalance(c.Request.Context(), network.Contracts.AquaToken, network.Coins.Aqua, address)
	case "arc":
		bal, err = reader.TokenBalance(c.Request.Context(), network.Contracts.ArcToken, network.Coins.Arc, address)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown token %q", token)})
		return
	}
	if err != nil {
		h.writeClassified(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// FeeHandler returns the current fee quote. It never fails.
func (h *RelayHandler) FeeHandler(c *gin.Context) {
	quote := h.session.FeeEstimator().EstimateFee(c.Request.Context())
	gwei := map[string]string{}
	for name, v := range map[string]*big.Int{
		"gasPrice":             quote.GasPrice,
		"maxFeePerGas":         quote.MaxFeePerGas,
		"maxPriorityFeePerGas": quote.MaxPriorityFeePerGas,
	} {
		if v != nil {
			gwei[name] = decimal.NewFromBigInt(v, -9).String()
		}
	}
	c.JSON(http.StatusOK, FeeResponse{Quote: quote, Gwei: gwei})
}

// ClassifyHandler classifies an error object reported by a caller.
func (h *RelayHandler) ClassifyHandler(c *gin.Context) {
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error = &entity.RPCError{Code: req.Code, Message: req.Message, Data: req.Data}
	if req.Code == 0 {
		err = errors.New(req.Message)
	}
	c.JSON(http.StatusOK, h.session.Classifier().Classify(err))
}

func (h *RelayHandler) chainReader() *client.ChainReader {
	network := h.session.Network()
	reader := h.session.Reader()
	key := network.Identifier

	h.mu.Lock()
	defer h.mu.Unlock()
	if cr, ok := h.readers[key]; ok {
		return cr
	}
	cr := client.NewChainReader(reader, network, h.statusTTL)
	h.readers[key] = cr
	return cr
}

// sendTransactionArg returns the transaction object of an eth_sendTransaction call.
func sendTransactionArg(req *entity.RPCRequest) (map[string]any, bool) {
	if req.Method != "eth_sendTransaction" || len(req.Params) != 1 {
		return nil, false
	}
	tx, ok := req.Params[0].(map[string]any)
	return tx, ok
}

func (h *RelayHandler) decodeRPC(c *gin.Context) (*entity.RPCRequest, bool) {
	var req entity.RPCRequest
	if err := jsonAPI.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.writeRPCError(c, nil, codeParseError, "parse error: "+err.Error(), nil)
		return nil, false
	}
	if req.Method == "" {
		h.writeRPCError(c, req.ID, codeInvalidRequest, "missing method", nil)
		return nil, false
	}
	if req.Params == nil {
		req.Params = []any{}
	}
	return &req, true
}

func (h *RelayHandler) writeRPCResult(c *gin.Context, req *entity.RPCRequest, res []byte, err error) {
	if err != nil {
		cls := h.session.Classifier().Classify(err)
		code := codeServerError
		var upstream any
		var ce rpc.Error
		if errors.As(err, &ce) {
			code = ce.ErrorCode()
		}
		var de rpc.DataError
		if errors.As(err, &de) {
			upstream = de.ErrorData()
		}
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("Relay call cancelled", "method", req.Method)
		} else {
			h.logger.Warn("Relay call failed", "method", req.Method, "kind", cls.Kind, "error", err)
		}
		h.writeRPCError(c, req.ID, code, err.Error(), &RelayErrorData{Kind: cls.Kind, Friendly: cls.Message, Upstream: upstream})
		return
	}
	if len(res) == 0 {
		res = []byte("null")
	}
	h.writeRPC(c, entity.RPCResponse{JSONRPC: entity.JSONRPCVersion, ID: req.ID, Result: res})
}

func (h *RelayHandler) writeRPCError(c *gin.Context, id []byte, code int, msg string, data *RelayErrorData) {
	rpcErr := &entity.RPCError{Code: code, Message: msg}
	if data != nil {
		rpcErr.Data = data
	}
	h.writeRPC(c, entity.RPCResponse{JSONRPC: entity.JSONRPCVersion, ID: id, Error: rpcErr})
}

// writeRPC answers 200 for every JSON-RPC outcome, errors included.
func (h *RelayHandler) writeRPC(c *gin.Context, resp entity.RPCResponse) {
	if len(resp.ID) == 0 {
		resp.ID = []byte("null")
	}
	body, err := jsonAPI.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode relay response", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (h *RelayHandler) writeClassified(c *gin.Context, err error) {
	cls := h.session.Classifier().Classify(err)
	h.logger.Warn("Chain query failed", "kind", cls.Kind, "error", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": cls})
}
