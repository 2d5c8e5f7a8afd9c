package udp

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prxssh/beacon/pkg/transport"
)

// fakeUDPTracker behaves like a minimal BEP-15 tracker: it answers CONNECT
// and SCRAPE, handing out a fixed connection id and recording how many
// CONNECTs it received.
type fakeUDPTracker struct {
	conn        *net.UDPConn
	connectsSum atomic.Int64
}

func startFakeUDPTracker(t *testing.T) (*fakeUDPTracker, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	f := &fakeUDPTracker{conn: conn}
	go f.serve(t)
	return f, conn.LocalAddr().(*net.UDPAddr)
}

func (f *fakeUDPTracker) serve(t *testing.T) {
	buf := make([]byte, 2048)
	for {
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)

		act, txn, err := peekAction(data)
		if err != nil {
			continue
		}

		switch act {
		case actionConnect:
			f.connectsSum.Add(1)
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], 0)
			binary.BigEndian.PutUint32(resp[4:8], txn)
			binary.BigEndian.PutUint64(resp[8:16], 0xDEADBEEFCAFEBABE)
			_, _ = f.conn.WriteToUDP(resp, from)

		case actionScrape:
			// one row: 5 seeders, 9 downloads, 2 leechers
			resp := make([]byte, 8+12)
			binary.BigEndian.PutUint32(resp[0:4], uint32(actionScrape))
			binary.BigEndian.PutUint32(resp[4:8], txn)
			binary.BigEndian.PutUint32(resp[8:12], 5)
			binary.BigEndian.PutUint32(resp[12:16], 9)
			binary.BigEndian.PutUint32(resp[16:20], 2)
			_, _ = f.conn.WriteToUDP(resp, from)
		}
	}
}

func (f *fakeUDPTracker) Close() { f.conn.Close() }

func TestManagerScrapeReusesConnectionAcrossTwoRequests(t *testing.T) {
	fake, addr := startFakeUDPTracker(t)
	defer fake.Close()

	socket, err := NewDefaultSocket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewDefaultSocket: %v", err)
	}
	defer socket.Close()

	mgr := NewManager(socket, NewDefaultResolver(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go socket.ReadLoop(stop, mgr.Deliver)
	go mgr.Run(ctx)

	u, _ := url.Parse("udp://" + addr.String() + "/announce")

	var hash [20]byte
	hash[0] = 1

	for i := 0; i < 2; i++ {
		resp, err := mgr.Scrape(ctx, u, &transport.ScrapeRequest{InfoHashes: [][20]byte{hash}})
		if err != nil {
			t.Fatalf("Scrape[%d]: %v", i, err)
		}
		row, ok := resp.Rows[hash]
		if !ok {
			t.Fatalf("Scrape[%d]: missing row", i)
		}
		if row.Seeders != 5 || row.Downloads != 9 || row.Leechers != 2 {
			t.Fatalf("Scrape[%d]: row = %+v", i, row)
		}
	}

	if got := fake.connectsSum.Load(); got != 1 {
		t.Fatalf("connect count = %d, want 1 (connection should be reused)", got)
	}
}
