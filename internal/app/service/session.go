package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"stake_orchestrator/internal/app/port"
	"stake_orchestrator/internal/domain/entity"
	"stake_orchestrator/internal/infrastructure/configloader"
	"stake_orchestrator/internal/pkg/metrics"
)

var chainNotAddedPattern = regexp.MustCompile(`unrecognized|not added|missing chain`)

// SessionDeps are the collaborators of a Session. Networks and Routers are required.
type SessionDeps struct {
	Networks port.NetworkConfigProvider
	Routers  port.RouterProvider
	Store    port.SharedStore // enables the send lock when set
	Notifier port.Notifier
	Status   port.StatusSink
	Logger   port.Logger
	Metrics  port.MetricsRecorder
}

// Session holds everything that depends on the selected network: the network itself,
// its read router and the wallet queues using it. Wallet events flow in through Run.
type Session struct {
	networks port.NetworkConfigProvider
	routers  port.RouterProvider
	status   port.StatusSink
	logger   port.Logger
	metrics  port.MetricsRecorder

	policy  FeePolicy
	mutex   *SendMutex
	pacer   *SendPacer
	wrapper *Wrapper
	poller  *BlockPoller
	planner *RetryPlanner

	mu         sync.RWMutex
	network    entity.NetworkConfig
	reader     port.ReadSender
	classifier *Classifier
	fees       *FeeEstimator
	accounts   []string
	connected  bool
}

func NewSession(cfg *configloader.Config, deps SessionDeps) (*Session, error) {
	if deps.Networks == nil || deps.Routers == nil {
		return nil, errors.New("session needs a network provider and a router provider")
	}
	if deps.Status == nil {
		deps.Status = nopStatus{}
	}
	if deps.Logger == nil {
		deps.Logger = port.NopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}

	policy, err := FeePolicyFrom(cfg.Fees)
	if err != nil {
		return nil, err
	}
	network, err := deps.Networks.Selected()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve selected network: %w", err)
	}
	reader, err := deps.Routers.GetRouter(network)
	if err != nil {
		return nil, fmt.Errorf("failed to build read router for %s: %w", network.Identifier, err)
	}

	s := &Session{
		networks: deps.Networks,
		routers:  deps.Routers,
		status:   deps.Status,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		policy:   policy,
		pacer:    NewSendPacer(time.Duration(cfg.SendLock.SendSpacingMs) * time.Millisecond),
	}
	lockOpts := SendLockOptionsFrom(cfg.SendLock)
	if deps.Store != nil {
		s.mutex = NewSendMutex(deps.Store, deps.Notifier, lockOpts, deps.Logger, deps.Metrics)
	}
	s.wrapper = NewWrapper(QueueConfigFrom(cfg.WalletQueue), QueueDeps{
		Reader:      reader,
		Mutex:       s.mutex,
		Pacer:       s.pacer,
		Status:      deps.Status,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
		LockTimeout: lockOpts.AcquireTimeout,
	})
	s.poller = NewBlockPoller(reader, time.Duration(cfg.BlockPoller.IntervalMs)*time.Millisecond, deps.Logger)
	s.planner = NewRetryPlanner(policy, deps.Status, deps.Logger, deps.Metrics)
	s.setNetwork(network, reader)

	deps.Logger.Info("Session started", "network", network.Identifier, "chainId", network.ChainID, "rpcUrls", len(network.RPCURLs))
	return s, nil
}

// Network returns the selected network.
func (s *Session) Network() entity.NetworkConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.network
}

// Networks returns the network table.
func (s *Session) Networks() []entity.NetworkConfig { return s.networks.GetAllNetworks() }

// Reader returns the read router of the selected network.
func (s *Session) Reader() port.ReadSender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader
}

func (s *Session) Classifier() *Classifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier
}

func (s *Session) FeeEstimator() *FeeEstimator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fees
}

func (s *Session) RetryPlanner() *RetryPlanner { return s.planner }

func (s *Session) Poller() *BlockPoller { return s.poller }

// SendMutex is nil when the session has no shared store.
func (s *Session) SendMutex() *SendMutex { return s.mutex }

// Wrap returns the queue of wallet; see Wrapper.Wrap.
func (s *Session) Wrap(wallet port.Wallet) *WalletQueue { return s.wrapper.Wrap(wallet) }

// Accounts returns the accounts last reported by the wallet.
func (s *Session) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.accounts...)
}

// Connected reports whether the wallet exposes at least one account.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SelectNetwork persists identifier as the selection and rebuilds the network-bound state.
func (s *Session) SelectNetwork(identifier string) (entity.NetworkConfig, error) {
	network, err := s.networks.Select(identifier)
	if err != nil {
		return entity.NetworkConfig{}, err
	}
	if err := s.switchTo(network); err != nil {
		return entity.NetworkConfig{}, err
	}
	return network, nil
}

func (s *Session) switchTo(network entity.NetworkConfig) error {
	reader, err := s.routers.GetRouter(network)
	if err != nil {
		return fmt.Errorf("failed to build read router for %s: %w", network.Identifier, err)
	}
	s.setNetwork(network, reader)
	s.wrapper.SetReader(reader)
	s.poller.SetReader(reader)
	s.logger.Info("Session switched network", "network", network.Identifier, "chainId", network.ChainID)
	return nil
}

func (s *Session) setNetwork(network entity.NetworkConfig, reader port.ReadSender) {
	s.mu.Lock()
	s.network = network
	s.reader = reader
	s.classifier = NewClassifier(network)
	s.fees = NewFeeEstimator(reader, s.policy, s.logger, s.metrics)
	s.mu.Unlock()
}

// Attach wraps wallet in the session's queue and, when the wallet reports its own
// account and chain changes, applies them until ctx is done.
func (s *Session) Attach(ctx context.Context, wallet port.Wallet) *WalletQueue {
	q := s.Wrap(wallet)
	if src, ok := wallet.(port.EventSource); ok {
		go s.Run(ctx, src.Subscribe(ctx))
	}
	return q
}

// Run applies wallet events until ctx is done or events is closed.
func (s *Session) Run(ctx context.Context, events <-chan entity.WalletEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ev)
		}
	}
}

// Handle invalidates the state touched by one wallet event. A chain change to another
// known and active network selects that network; the wallet is the source of truth.
func (s *Session) Handle(ev entity.WalletEvent) {
	s.wrapper.Each(func(q *WalletQueue) { q.Observe(ev) })

	switch ev.Type {
	case entity.EventAccountsChanged:
		accounts := make([]string, 0, len(ev.Accounts))
		for _, a := range ev.Accounts {
			accounts = append(accounts, strings.ToLower(a))
		}
		s.mu.Lock()
		s.accounts = accounts
		s.connected = len(accounts) > 0
		s.mu.Unlock()
		s.logger.Info("Wallet accounts changed", "accounts", len(accounts))

	case entity.EventChainChanged:
		chainID, err := parseChainID(ev.ChainID)
		if err != nil {
			s.logger.Warn("Ignoring malformed chain id from wallet", "chainId", ev.ChainID, "error", err)
			return
		}
		if chainID == s.Network().ChainID {
			return
		}
		network, ok := s.networks.GetNetworkByChainID(chainID)
		if !ok || !network.Active {
			s.logger.Warn("Wallet switched to an unsupported chain", "chainId", chainID, "expected", s.Network().ChainID)
			return
		}
		if _, err := s.SelectNetwork(network.Identifier); err != nil {
			s.logger.Error("Failed to follow wallet chain change", "chainId", chainID, "error", err)
		}

	case entity.EventDisconnect:
		s.mu.Lock()
		s.accounts = nil
		s.connected = false
		s.mu.Unlock()
		s.logger.Warn("Wallet disconnected", "error", ev.Err)
	}
}

// CheckNetwork fails with a *entity.WrongNetworkError when the wallet behind q is not on
// the selected network.
func (s *Session) CheckNetwork(ctx context.Context, q *WalletQueue) error {
	cid, err := q.ChainID(ctx)
	if err != nil {
		return err
	}
	network := s.Network()
	if strings.EqualFold(cid, network.ChainIDHex()) {
		return nil
	}
	return &entity.WrongNetworkError{ExpectedLabel: network.Label, ExpectedChainID: network.ChainID, ActualChainID: cid}
}

// EnsureNetwork asks the wallet to switch to the selected network, adding the network to
// the wallet first when it does not know it.
func (s *Session) EnsureNetwork(ctx context.Context, q *WalletQueue) error {
	err := s.CheckNetwork(ctx, q)
	var wrong *entity.WrongNetworkError
	if err == nil || !errors.As(err, &wrong) {
		return err
	}

	network := s.Network()
	hexID := network.ChainIDHex()
	s.status.Status(fmt.Sprintf("Switching wallet to %s...", network.Label))
	defer s.status.Clear()

	_, err = q.Request(ctx, "wallet_switchEthereumChain", []any{map[string]any{"chainId": hexID}})
	if err != nil && needsAddChain(err) {
		s.logger.Info("Wallet does not know the network, adding it", "network", network.Identifier)
		if _, addErr := q.Request(ctx, "wallet_addEthereumChain", []any{addChainParams(network)}); addErr != nil {
			return addErr
		}
		_, err = q.Request(ctx, "wallet_switchEthereumChain", []any{map[string]any{"chainId": hexID}})
	}
	if err != nil {
		return err
	}
	q.SetChainID(hexID)
	return nil
}

func needsAddChain(err error) bool {
	if code, ok := errorCode(err); ok && (code == codeUnrecognizedChain || code == codeInternal) {
		return true
	}
	return chainNotAddedPattern.MatchString(strings.ToLower(err.Error()))
}

func addChainParams(n entity.NetworkConfig) map[string]any {
	params := map[string]any{
		"chainId":   n.ChainIDHex(),
		"chainName": n.Label,
		"nativeCurrency": map[string]any{
			"name":     n.Coins.Native.Name,
			"symbol":   n.Coins.Native.Symbol,
			"decimals": n.Coins.Native.Decimals,
		},
		"rpcUrls": n.RPCURLs,
	}
	if n.ExplorerBaseURL != "" {
		params["blockExplorerUrls"] = []string{n.ExplorerBaseURL}
	}
	return params
}

func parseChainID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
