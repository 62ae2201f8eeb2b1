package discovery

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pioneer-wyt/wyt-bridge/pkg/tuya"
)

// Tuya devices announce themselves by UDP broadcast: 3.1 devices in the
// clear on 6666, 3.3+ devices AES-encrypted on 6667 under a fixed key.
const (
	portPlain     = 6666
	portEncrypted = 6667

	udpKeySeed = "yGAdlopoPVldABfn"
)

// Report is one discovered device.
type Report struct {
	ID         string `json:"id"`
	IP         string `json:"ip"`
	Version    string `json:"version"`
	ProductKey string `json:"productKey"`
}

// announcement is the broadcast payload shape.
type announcement struct {
	IP         string `json:"ip"`
	GwID       string `json:"gwId"`
	Version    string `json:"version"`
	ProductKey string `json:"productKey"`
}

func udpKey() []byte {
	sum := md5.Sum([]byte(udpKeySeed))
	return sum[:]
}

// Scan listens for device announcements until the context expires and
// returns the devices heard, deduplicated by id.
func Scan(ctx context.Context, timeout time.Duration) ([]Report, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Report)
	collect := func(r Report) {
		mu.Lock()
		if _, ok := seen[r.ID]; !ok {
			log.Debug().Str("device_id", r.ID).Str("ip", r.IP).Str("version", r.Version).Msg("device announcement")
			seen[r.ID] = r
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, port := range []int{portPlain, portEncrypted} {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			// Both ports busy means another scanner owns them.
			log.Warn().Err(err).Int("port", port).Msg("discovery port unavailable")
			continue
		}
		wg.Add(1)
		go func(conn net.PacketConn, encrypted bool) {
			defer wg.Done()
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			listen(conn, encrypted, collect)
		}(conn, port == portEncrypted)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	reports := make([]Report, 0, len(seen))
	for _, r := range seen {
		reports = append(reports, r)
	}
	return reports, nil
}

func listen(conn net.PacketConn, encrypted bool, collect func(Report)) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		r, err := parseAnnouncement(buf[:n], encrypted)
		if err != nil {
			log.Debug().Err(err).Str("addr", addr.String()).Msg("bad announcement datagram")
			continue
		}
		collect(r)
	}
}

// parseAnnouncement unwraps one broadcast datagram: standard 55AA framing
// with a CRC trailer, payload either plain JSON or AES-ECB under the
// shared UDP key.
func parseAnnouncement(datagram []byte, encrypted bool) (Report, error) {
	dec := tuya.NewDecoder(tuya.Version33)
	dec.Feed(datagram)
	f, err := dec.Next(nil)
	if err != nil {
		return Report{}, err
	}
	if f == nil {
		return Report{}, fmt.Errorf("%w: short broadcast datagram", tuya.ErrProtocol)
	}

	plain := f.Payload
	if encrypted {
		plain, err = tuya.OpenPayload(tuya.Version33, udpKey(), f.Cmd, f.Payload)
		if err != nil {
			return Report{}, err
		}
	}

	var a announcement
	if err := json.Unmarshal(plain, &a); err != nil {
		return Report{}, fmt.Errorf("%w: unmarshal announcement: %v", tuya.ErrProtocol, err)
	}
	if a.GwID == "" {
		return Report{}, fmt.Errorf("%w: announcement without gwId", tuya.ErrProtocol)
	}
	return Report{ID: a.GwID, IP: a.IP, Version: a.Version, ProductKey: a.ProductKey}, nil
}
