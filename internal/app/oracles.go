package app

import (
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/config"
	"github.com/ent0n29/planner/internal/oracle"
)

// OracleInfo describes which oracles the service ended up with.
type OracleInfo struct {
	Mode      string
	Detail    string
	Reachable bool
}

type oracleSetup struct {
	oracles oracle.Set
	info    OracleInfo
}

func resolveOracles(cfg config.Config, logger *zap.Logger) (oracleSetup, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set, err := oracle.NewSet(oracle.Config{
		Mode:    cfg.OracleMode,
		URL:     cfg.OracleURL,
		Timeout: cfg.OracleTimeout,
		Retries: cfg.OracleRetries,
	}, logger)
	if err != nil {
		return oracleSetup{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.OracleMode))
	if mode == "" || mode == "heuristic" {
		logger.Info("oracles: local heuristics")
		return oracleSetup{
			oracles: set,
			info:    OracleInfo{Mode: "heuristic", Detail: "local heuristics", Reachable: true},
		}, nil
	}

	addr := oracleAddr(cfg.OracleURL)
	reachable := isTCPListening(addr, 300*time.Millisecond)
	if !reachable {
		// Calls still fall back to the heuristics, so a cold endpoint is not fatal.
		logger.Warn("oracle endpoint not reachable at startup", zap.String("addr", addr))
	} else {
		logger.Info("oracles: http", zap.String("addr", addr))
	}
	return oracleSetup{
		oracles: set,
		info:    OracleInfo{Mode: "http", Detail: cfg.OracleURL, Reachable: reachable},
	}, nil
}

// oracleAddr turns the oracle URL into a host:port to dial.
func oracleAddr(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return ""
	}
	port := strings.TrimSpace(u.Port())
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port)
}

func isTCPListening(addr string, timeout time.Duration) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
