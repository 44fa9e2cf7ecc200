package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"stake_orchestrator/internal/domain/entity"
)

// Wallet and node error codes.
const (
	codeLimitExceeded     = -32005
	codeInternal          = -32603
	codeRequestPending    = -32002
	codeUserRejected      = 4001
	codeUnrecognizedChain = 4902
)

var (
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	rateLimitPattern    = regexp.MustCompile(`\b429\b|rate.?limit|too many requests|-32005|-32603`)
	busyPattern         = regexp.MustCompile(`already processing|request already pending`)
	rejectedPattern     = regexp.MustCompile(`user rejected|user denied|rejected by user`)
	insufficientPattern = regexp.MustCompile(`insufficient funds`)
	noncePattern        = regexp.MustCompile(`nonce too low`)
	wrongNetworkPattern = regexp.MustCompile(`wrong network|chain id`)
	feeTooLowPattern    = regexp.MustCompile(`fee too low|maxfeepergas|max priority fee|underpriced|replacement`)
)

// Classifier maps provider and wallet errors onto entity.ErrorKind and a user-facing line.
// The network is only used to phrase the wrong-network message.
type Classifier struct {
	network entity.NetworkConfig
}

func NewClassifier(network entity.NetworkConfig) *Classifier {
	return &Classifier{network: network}
}

// Classify returns the kind and message of err. A nil error yields Unknown with no message.
func (c *Classifier) Classify(err error) entity.Classification {
	if err == nil {
		return entity.Classification{Kind: entity.KindUnknown}
	}
	kind := Kind(err)
	return entity.Classification{Kind: kind, Message: c.message(kind, err)}
}

// Kind applies the detection rules in precedence order; the first match wins.
func Kind(err error) entity.ErrorKind {
	if err == nil {
		return entity.KindUnknown
	}
	if errors.Is(err, entity.ErrUserAbortRateLimit) {
		return entity.KindUserAbortRateLimit
	}
	if errors.Is(err, entity.ErrSendLockTimeout) {
		return entity.KindSendLockTimeout
	}

	code, hasCode := errorCode(err)
	text := errorText(err)

	switch {
	case hasCode && (code == codeLimitExceeded || code == codeInternal), httpStatus(err) == http.StatusTooManyRequests,
		rateLimitPattern.MatchString(text):
		return entity.KindRateLimited
	case hasCode && code == codeRequestPending, busyPattern.MatchString(text):
		return entity.KindWalletBusy
	case hasCode && code == codeUserRejected, rejectedPattern.MatchString(text):
		return entity.KindUserRejected
	case insufficientPattern.MatchString(text):
		return entity.KindInsufficientFunds
	case noncePattern.MatchString(text):
		return entity.KindNonceTooLow
	case isWrongNetwork(err), wrongNetworkPattern.MatchString(text):
		return entity.KindWrongNetwork
	case feeTooLowPattern.MatchString(text):
		return entity.KindFeeTooLow
	case errors.Is(err, entity.ErrNoEndpointAvailable):
		return entity.KindNoEndpointAvailable
	case errors.Is(err, entity.ErrAllEndpointsFailed):
		return entity.KindAllEndpointsFailed
	}
	return entity.KindUnknown
}

// IsFeeTooLow reports whether a send failed because its fee was below the acceptance threshold.
func IsFeeTooLow(err error) bool { return Kind(err) == entity.KindFeeTooLow }

// IsRateLimited reports whether err belongs to the rate-limit class.
func IsRateLimited(err error) bool { return Kind(err) == entity.KindRateLimited }

func (c *Classifier) message(kind entity.ErrorKind, err error) string {
	switch kind {
	case entity.KindUserAbortRateLimit:
		return "Stopped while the network was overloaded. Try again later from your wallet."
	case entity.KindSendLockTimeout:
		return "Another transaction is still being signed. Finish it in your wallet, then try again."
	case entity.KindRateLimited:
		return "Requests are being rate-limited by the RPC node. Wait a minute and try again, and avoid double-clicking."
	case entity.KindWalletBusy:
		return "Your wallet is already handling a request. Open your wallet and complete or close the pending prompt."
	case entity.KindUserRejected:
		return "You rejected the request in your wallet."
	case entity.KindInsufficientFunds:
		symbol := c.network.Coins.Native.Symbol
		if symbol == "" {
			symbol = "funds"
		}
		return fmt.Sprintf("Insufficient %s in your wallet for this action (or gas).", symbol)
	case entity.KindNonceTooLow:
		return "Wallet nonce is out of sync. Wait a moment or reset the nonce, then retry."
	case entity.KindWrongNetwork:
		label, chainID := c.network.Label, c.network.ChainID
		var wn *entity.WrongNetworkError
		if errors.As(err, &wn) {
			label, chainID = wn.ExpectedLabel, wn.ExpectedChainID
		}
		if label == "" {
			return "Wrong network selected in wallet. Please switch networks and try again."
		}
		return fmt.Sprintf("Wrong network selected in wallet. Please switch to %s (%d).", label, chainID)
	case entity.KindFeeTooLow:
		return "Network rejected the fee as too low. It was retried with a higher tip automatically. If it still fails, wait 30-60s for fees to stabilize and try again."
	case entity.KindNoEndpointAvailable:
		return "No RPC endpoint is reachable right now. Check your connection or try again shortly."
	case entity.KindAllEndpointsFailed:
		return "Every RPC endpoint failed to answer. Try again shortly."
	}
	if s := innermostPayload(err); s != "" {
		return s
	}
	return "Unknown error"
}

func isWrongNetwork(err error) bool {
	var wn *entity.WrongNetworkError
	return errors.As(err, &wn)
}

func errorCode(err error) (int, bool) {
	var ce rpc.Error
	if errors.As(err, &ce) {
		return ce.ErrorCode(), true
	}
	return 0, false
}

func httpStatus(err error) int {
	var se *entity.HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var he rpc.HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// errorText is the lower-cased message plus any error data. URLs are dropped so that
// endpoint addresses cannot match the patterns.
func errorText(err error) string {
	var b strings.Builder
	b.WriteString(urlPattern.ReplaceAllString(err.Error(), ""))
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		b.WriteByte(' ')
		b.WriteString(stringify(de.ErrorData()))
	}
	return strings.ToLower(b.String())
}

// innermostPayload prefers error data, then the innermost message.
func innermostPayload(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		if s := stringify(de.ErrorData()); s != "" {
			return s
		}
	}
	var rpcErr *entity.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Message != "" {
		return rpcErr.Message
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return inner.Error()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
