package discovery

import (
	"context"
	"encoding/binary"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DialFunc opens a TCP connection; net.Dialer.DialContext by default.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// expandCIDR lists usable IPv4 host addresses. Network and broadcast
// addresses are skipped for prefixes shorter than /31.
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse subnet %q", cidr)
	}
	if ip.To4() == nil {
		return nil, errors.Errorf("subnet %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	size := 1 << uint(bits-ones)
	if size > maxSweepHosts {
		return nil, errors.Errorf("subnet %q too large to sweep", cidr)
	}
	base := binary.BigEndian.Uint32(ipnet.IP.To4())
	first, last := 0, size-1
	if size > 2 {
		first, last = 1, size-2
	}
	hosts := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		buf := make(net.IP, 4)
		binary.BigEndian.PutUint32(buf, base+uint32(i))
		hosts = append(hosts, buf.String())
	}
	return hosts, nil
}

// sweep TCP-probes the control port on every host of the configured subnets
// and returns host:port for those that accepted a connection.
func (m *Manager) sweep(ctx context.Context) []string {
	var hosts []string
	for _, cidr := range m.cfg.Subnets {
		expanded, err := expandCIDR(cidr)
		if err != nil {
			log.Warn().Err(err).Str("subnet", cidr).Msg("skip subnet sweep")
			continue
		}
		hosts = append(hosts, expanded...)
	}
	if len(hosts) == 0 {
		return nil
	}

	limiter := rate.NewLimiter(rate.Limit(m.cfg.SweepRate), m.cfg.SweepConcurrency)
	port := strconv.Itoa(m.cfg.ControlPort)
	var (
		mu   sync.Mutex
		open []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			addr := net.JoinHostPort(host, port)
			dialCtx, cancel := context.WithTimeout(gctx, m.cfg.SweepTimeout)
			defer cancel()
			conn, err := m.dial(dialCtx, "tcp", addr)
			if err != nil {
				return nil
			}
			_ = conn.Close()
			mu.Lock()
			open = append(open, addr)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(open)
	log.Debug().Int("hosts", len(hosts)).Int("open", len(open)).Msg("subnet sweep finished")
	return open
}
