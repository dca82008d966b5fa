package ctx

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/diaflow/diaflow/cmn/cos"
	"github.com/diaflow/diaflow/group"
)

// env var names recognized by bootstrap (spec §6; roles fixed, names free
// for the implementer).
const (
	envRank              = "RANK"
	envHostlist          = "HOSTLIST"
	envLocal             = "LOCAL"
	envWorkersPerHost    = "WORKERS_PER_HOST"
	envBlockSize         = "BLOCK_SIZE"
	envMemLimit          = "MEM_LIMIT"
	envStreamCompression = "STREAM_COMPRESSION"
	envLocDetB           = "LOCDET_B"
)

// Getenv abstracts os.Getenv so bootstrap can be unit-tested without
// mutating process environment state.
type Getenv func(string) string

// ParseConfig builds a Config from a Getenv source per spec §6. It never
// dials a peer — that happens in Connect; in LOCAL mode it briefly opens
// and closes loopback listeners to reserve ports (see simulatedMesh).
func ParseConfig(getenv Getenv) (*Config, error) {
	cfg := &Config{
		WorkersPerHost: defaultWorkersPerHost(),
		BlockSize:      16 * cos.KiB,
		LocDetB:        8,
	}

	if v := getenv(envWorkersPerHost); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s: invalid worker count %q", envWorkersPerHost, v)
		}
		cfg.WorkersPerHost = n
	}
	if v := getenv(envBlockSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < int(cos.KiB) || n&(n-1) != 0 {
			return nil, fmt.Errorf("%s: must be a power of two >= 1KiB, got %q", envBlockSize, v)
		}
		cfg.BlockSize = n
	}
	if v := getenv(envMemLimit); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: invalid limit %q", envMemLimit, v)
		}
		cfg.MemLimit = n
	}
	if v := getenv(envStreamCompression); strings.EqualFold(v, "lz4") {
		cfg.StreamCompression = true
	}
	if v := getenv(envLocDetB); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%s: invalid parameter %q", envLocDetB, v)
		}
		cfg.LocDetB = n
	}

	rankStr, hostlist := getenv(envRank), getenv(envHostlist)
	if rankStr == "" || hostlist == "" {
		local := getenv(envLocal)
		if local == "" {
			return nil, fmt.Errorf("must set %s/%s or %s", envRank, envHostlist, envLocal)
		}
		p, err := strconv.Atoi(local)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("%s: invalid simulated host count %q", envLocal, local)
		}
		hosts, err := simulatedMesh(p)
		if err != nil {
			return nil, err
		}
		cfg.Rank = 0
		cfg.Hosts = hosts
		return cfg, nil
	}

	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid rank %q", envRank, rankStr)
	}
	hosts := splitHostlist(hostlist)
	if err := group.ParseHosts(rank, hosts); err != nil {
		return nil, err
	}
	cfg.Rank = rank
	cfg.Hosts = hosts
	return cfg, nil
}

func splitHostlist(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// simulatedMesh reserves p loopback ports for LOCAL=p single-process test
// runs (spec §6). The caller still drives p separate Bootstrap/Connect
// calls, one per simulated rank, each with rank-specific Config.Rank.
func simulatedMesh(p int) ([]string, error) {
	hosts := make([]string, p)
	for i := 0; i < p; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("LOCAL: reserve port %d: %w", i, err)
		}
		hosts[i] = ln.Addr().String()
		ln.Close()
	}
	return hosts, nil
}

// offsetPort shifts hostport's port number by delta, wrapping around to
// start again at port 1024 if it would overflow 65535. Used to derive the
// data-plane Group's endpoint list from the flow-plane one.
func offsetPort(hostport string, delta int) string {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return hostport
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostport
	}
	port += delta
	if port > 65535 {
		port = 1024 + (port - 65536)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
