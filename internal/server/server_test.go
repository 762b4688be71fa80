package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/config"
	"github.com/viddhana/cryptonote-pool/internal/mining"
	"github.com/viddhana/cryptonote-pool/internal/protocol"
	"github.com/viddhana/cryptonote-pool/internal/rpc"
	"github.com/viddhana/cryptonote-pool/pkg/cryptonight"
)

type fakeDaemon struct {
	mu        sync.Mutex
	template  rpc.BlockTemplateResult
	submitted []string
	submitErr error
}

func (d *fakeDaemon) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*rpc.BlockTemplateResult, error) {
	result := d.template
	return &result, nil
}

func (d *fakeDaemon) SubmitBlock(ctx context.Context, blockBlobHex string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	d.submitted = append(d.submitted, blockBlobHex)
	return nil
}

func (d *fakeDaemon) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*rpc.BlockHeaderResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (d *fakeDaemon) submittedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

type fakeShareStore struct {
	mu     sync.Mutex
	shares []uint64
	blocks []string
}

func (s *fakeShareStore) SharesAccepted(ctx context.Context, address, alias string, shares uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares = append(s.shares, shares)
	return nil
}

func (s *fakeShareStore) BlockFound(ctx context.Context, blockID string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blockID)
	return nil
}

func (s *fakeShareStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares), len(s.blocks)
}

// testTemplateResult builds a minimal valid block template: 86-hex header,
// a miner transaction body, the zeroed reserved field and the daemon's pad.
func testTemplateResult(difficulty uint64) rpc.BlockTemplateResult {
	header := "0606" + strings.Repeat("00", 41)
	blob := header + strings.Repeat("01", 16) + strings.Repeat("0", 16) + "00"
	return rpc.BlockTemplateResult{
		BlockhashingBlob:  header,
		BlocktemplateBlob: blob,
		Difficulty:        difficulty,
		Height:            100,
		ReservedOffset:    60,
	}
}

func startTestServer(t *testing.T, networkDifficulty, startingDifficulty uint64) (*StratumServer, *fakeDaemon, *fakeShareStore, net.Addr) {
	t.Helper()

	daemon := &fakeDaemon{template: testTemplateResult(networkDifficulty)}
	templates := mining.NewTemplateStore(daemon, "pool-wallet")
	if _, err := templates.FetchNewTemplate(context.Background()); err != nil {
		t.Fatalf("fetch template: %v", err)
	}
	provider := mining.NewJobProvider(templates, cryptonight.HashCryptonightLite)

	store := &fakeShareStore{}
	portCfg := config.PortConfig{Port: 0, StartingDifficulty: startingDifficulty, TargetTime: 30, MaxConnections: 16}
	miningCfg := config.MiningConfig{SessionTTL: time.Hour, BanDuration: time.Minute, MaxAliasLength: 100}
	addressRe := regexp.MustCompile("^[a-zA-Z0-9]+$")

	srv := New(portCfg, miningCfg, zap.NewNop(), provider, daemon, store, nil, addressRe)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	go srv.serve(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	})

	return srv, daemon, store, listener.Addr()
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestServer(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

type wireResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func (c *testClient) call(t *testing.T, method string, params interface{}) wireResponse {
	t.Helper()
	req, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": params,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := c.conn.Write(append(req, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp wireResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return resp
}

func (c *testClient) login(t *testing.T, login string) protocol.LoginResult {
	t.Helper()
	resp := c.call(t, "login", map[string]string{"login": login, "pass": "x", "agent": "xmr-stak/2.4"})
	if resp.Error != nil {
		t.Fatalf("login error: %v", resp.Error)
	}
	var result protocol.LoginResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode login result: %v", err)
	}
	return result
}

func TestLoginIssuesSessionAndJob(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	result := client.login(t, "miner1:rig0")
	if result.ID == "" {
		t.Error("login returned no session id")
	}
	if result.Status != "OK" {
		t.Errorf("status = %q, want OK", result.Status)
	}
	if result.Job.JobID == "" || result.Job.Blob == "" {
		t.Error("login returned no initial job")
	}
	if result.Job.Target != cryptonight.GetTargetHex(5000) {
		t.Errorf("target = %q, want %q", result.Job.Target, cryptonight.GetTargetHex(5000))
	}
}

func TestLoginRejectsBadAddress(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	resp := client.call(t, "login", map[string]string{"login": "not/base58!"})
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "Invalid wallet address") {
		t.Errorf("error = %v, want invalid wallet address", resp.Error)
	}
}

func TestLoginRejectsLongAlias(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	resp := client.call(t, "login", map[string]string{"login": "miner1:" + strings.Repeat("x", 101)})
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "alias") {
		t.Errorf("error = %v, want alias length rejection", resp.Error)
	}
}

func TestGetJobUnknownSession(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	resp := client.call(t, "getjob", map[string]string{"id": "no-such-session"})
	if resp.Error == nil || resp.Error.Message != "No miner with this ID" {
		t.Errorf("error = %v, want unknown-session rejection", resp.Error)
	}
}

func TestKeepalived(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	resp := client.call(t, "keepalived", map[string]string{})
	if resp.Error != nil {
		t.Fatalf("keepalived error: %v", resp.Error)
	}
	var result string
	if err := json.Unmarshal(resp.Result, &result); err != nil || result == "" {
		t.Errorf("keepalived result = %s, want a fixed string", resp.Result)
	}
}

func TestSubmitBlockFoundAndDuplicate(t *testing.T) {
	// Network difficulty 1: any valid hash is a full block solution.
	_, daemon, store, addr := startTestServer(t, 1, 1)
	client := dialTestServer(t, addr)

	result := client.login(t, "miner1")

	params := map[string]string{"id": result.ID, "job_id": result.Job.JobID, "nonce": "00000001"}
	resp := client.call(t, "submit", params)
	if resp.Error != nil {
		t.Fatalf("submit error: %v", resp.Error)
	}
	var msg string
	if err := json.Unmarshal(resp.Result, &msg); err != nil || msg != "Submission accepted" {
		t.Errorf("submit result = %s, want Submission accepted", resp.Result)
	}
	if got := daemon.submittedCount(); got != 1 {
		t.Errorf("daemon received %d blocks, want 1", got)
	}
	shares, blocks := store.counts()
	if shares != 1 || blocks != 1 {
		t.Errorf("store recorded %d shares, %d blocks; want 1 and 1", shares, blocks)
	}

	// The same nonce on the same job is a duplicate.
	resp = client.call(t, "submit", params)
	if resp.Error == nil || resp.Error.Message != "Share rejected" {
		t.Errorf("duplicate error = %v, want Share rejected", resp.Error)
	}
}

func TestSubmitRejectsBadNonce(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	result := client.login(t, "miner1")
	resp := client.call(t, "submit", map[string]string{
		"id": result.ID, "job_id": result.Job.JobID, "nonce": "xyz",
	})
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "nonce") {
		t.Errorf("error = %v, want nonce format rejection", resp.Error)
	}
}

func TestSubmitUnknownJob(t *testing.T) {
	_, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	result := client.login(t, "miner1")
	resp := client.call(t, "submit", map[string]string{
		"id": result.ID, "job_id": "no-such-job", "nonce": "00000001",
	})
	if resp.Error == nil || resp.Error.Message != "No job with this ID" {
		t.Errorf("error = %v, want unknown-job rejection", resp.Error)
	}
}

func TestWeakShareBansPeer(t *testing.T) {
	// An unreachable job difficulty guarantees the submission falls short.
	srv, _, store, addr := startTestServer(t, 1<<62, 1<<62)
	client := dialTestServer(t, addr)

	result := client.login(t, "miner1")
	resp := client.call(t, "submit", map[string]string{
		"id": result.ID, "job_id": result.Job.JobID, "nonce": "00000001",
	})
	if resp.Error == nil || resp.Error.Message != "Share rejected" {
		t.Fatalf("error = %v, want Share rejected", resp.Error)
	}
	if shares, _ := store.counts(); shares != 0 {
		t.Errorf("weak share was credited (%d rows)", shares)
	}
	if !srv.bans.Banned("127.0.0.1") {
		t.Error("peer IP not banned after weak share")
	}

	// The server closes the socket after banning.
	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.reader.ReadString('\n'); err == nil {
		t.Error("connection still open after ban")
	}

	// A fresh connection from the same IP is refused with the educational
	// message.
	banned := dialTestServer(t, addr)
	resp = banned.call(t, "login", map[string]string{"login": "miner1"})
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "temporary ban") {
		t.Errorf("error = %v, want the ban message", resp.Error)
	}
}

func TestRefreshAllJobsPushesNotifications(t *testing.T) {
	srv, _, _, addr := startTestServer(t, 10000, 5000)
	client := dialTestServer(t, addr)

	client.login(t, "miner1")
	srv.RefreshAllJobs()

	client.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	line, err := client.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}

	var notification struct {
		Method string              `json:"method"`
		Params protocol.JobPayload `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &notification); err != nil {
		t.Fatalf("decode notification %q: %v", line, err)
	}
	if notification.Method != "job" {
		t.Errorf("method = %q, want job", notification.Method)
	}
	if notification.Params.JobID == "" || notification.Params.Blob == "" {
		t.Error("pushed job payload incomplete")
	}
}
