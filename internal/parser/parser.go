package parser

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"auth-advisor/internal/metrics"
	"auth-advisor/internal/models"
	"auth-advisor/internal/util"
)

const timestampLayout = "2006-01-02 15:04:05"

// grammar is one recognized Keystone log line shape.
type grammar struct {
	name    string
	kind    models.EventKind
	pattern *regexp.Regexp
}

var grammars = []grammar{
	{
		name:    "authorization_failed",
		kind:    models.EventAuthFailed,
		pattern: regexp.MustCompile(`(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) Authorization failed for user '([A-Za-z0-9@._-]+)' from (\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})(?:\s|$)`),
	},
	{
		name:    "successful_login",
		kind:    models.EventAuthSuccess,
		pattern: regexp.MustCompile(`(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) Successful login for user '([A-Za-z0-9@._-]+)' from (\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})(?:\s|$)`),
	},
}

var internalNetworks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// Parser turns identity service log lines into AuthEvents. It holds no state between calls
// and is safe for concurrent use.
type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = util.Named("parser")
	}
	return &Parser{logger: logger}
}

// Parse matches line against the known grammars in order. The boolean is false when no
// grammar matches or the captured timestamp is not a real calendar time; in that case the
// returned event is the zero value.
func (p *Parser) Parse(line string) (models.AuthEvent, bool) {
	clean := util.CleanLogLine(line)
	if clean == "" {
		return models.AuthEvent{}, false
	}

	for _, g := range grammars {
		m := g.pattern.FindStringSubmatch(clean)
		if m == nil {
			continue
		}

		ts, err := time.ParseInLocation(timestampLayout, m[1], time.UTC)
		if err != nil {
			p.logger.Debug("Skipping line with invalid timestamp",
				zap.String("grammar", g.name),
				zap.String("timestamp", m[1]),
				zap.Error(err),
			)
			metrics.LinesSkipped.Inc()
			return models.AuthEvent{}, false
		}
		if !validOctets(m[3]) {
			p.logger.Debug("Skipping line with invalid address",
				zap.String("grammar", g.name),
				zap.String("ip", m[3]),
			)
			metrics.LinesSkipped.Inc()
			return models.AuthEvent{}, false
		}

		metrics.LinesParsed.Inc()
		return models.NewAuthEvent(ts, m[2], m[3], g.kind, clean), true
	}

	p.logger.Debug("Line matched no grammar", zap.String("line", clean))
	metrics.LinesSkipped.Inc()
	return models.AuthEvent{}, false
}

// ParseLines parses every line and keeps the successful events in input order. The second
// return value is the number of skipped lines.
func (p *Parser) ParseLines(lines []string) ([]models.AuthEvent, int) {
	events := make([]models.AuthEvent, 0, len(lines))
	skipped := 0
	for _, line := range lines {
		if ev, ok := p.Parse(line); ok {
			events = append(events, ev)
		} else {
			skipped++
		}
	}
	return events, skipped
}

// IsInternalAddress reports whether addr belongs to a private or loopback IPv4 range.
func IsInternalAddress(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, network := range internalNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// FirstOctet returns the leading octet of a dotted quad, or 0 when it cannot be read.
func FirstOctet(addr string) int {
	head, _, found := strings.Cut(addr, ".")
	if !found {
		return 0
	}
	v, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return v
}

func validOctets(addr string) bool {
	for _, part := range strings.Split(addr, ".") {
		v, err := strconv.Atoi(part)
		if err != nil || v > 255 {
			return false
		}
	}
	return true
}
