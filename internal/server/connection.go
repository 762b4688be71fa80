package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/mining"
	"github.com/viddhana/cryptonote-pool/internal/protocol"
)

var noncePattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// banMessage is intentionally educational: nearly every banned IP is a
// miner pointed at the wrong algorithm, not an attacker.
const banMessage = "Your IP has received a short temporary ban due to an invalid share. " +
	"Usually this is due to a mistake configuring xmr-stak/xmrig/cpuminer/etc. " +
	"Typically the relevant config option is named something like 'currency' or " +
	"'hashtype' - that value in your config needs to match up with the pool you " +
	"are connecting to."

// connection is one live TCP peer: a read loop dispatching JSON-RPC method
// calls, and a push drain goroutine forwarding queued job notifications
// once the peer has logged in.
type connection struct {
	conn   net.Conn
	server *StratumServer
	logger *zap.Logger
	reader *bufio.Reader

	writeMu sync.Mutex

	sessionMu sync.Mutex
	session   *MinerSession

	closeOnce sync.Once
}

func newConnection(conn net.Conn, server *StratumServer) *connection {
	return &connection{
		conn:   conn,
		server: server,
		logger: server.logger.With(zap.String("remote_addr", conn.RemoteAddr().String())),
		reader: bufio.NewReader(conn),
	}
}

// handle runs the connection's read loop until the peer disconnects, the
// context is cancelled, or the server bans the peer.
func (c *connection) handle(ctx context.Context) {
	defer c.close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(sessionTimeout))
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}

		if err := c.handleMessage(ctx, line); err != nil {
			c.logger.Debug("Failed to write response", zap.Error(err))
			return
		}
	}
}

func (c *connection) handleMessage(ctx context.Context, line string) error {
	var req protocol.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return c.sendError(nil, protocol.ErrParseError, "Parse error")
	}

	// Miner software is inconsistent about advertising JSON-RPC 2.0, so the
	// method router never checks the version field.
	switch req.Method {
	case "login":
		return c.handleLogin(req)
	case "getjob":
		return c.handleGetJob(req)
	case "submit":
		return c.handleSubmit(ctx, req)
	case "keepalived":
		return c.sendResult(req.ID, "hello")
	default:
		return c.sendError(req.ID, protocol.ErrMethodNotFound, "Method not found")
	}
}

func (c *connection) handleLogin(req protocol.Request) error {
	if c.server.peerBanned(c.conn.RemoteAddr()) {
		return c.sendError(req.ID, protocol.ErrBanned, banMessage)
	}

	var params protocol.LoginParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Login == "" {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Login address required")
	}

	address := params.Login
	alias := "anonymous"
	if i := strings.IndexByte(params.Login, ':'); i >= 0 {
		address = params.Login[:i]
		alias = params.Login[i+1:]
	}
	if len(alias) > c.server.maxAlias {
		return c.sendError(req.ID, protocol.ErrInvalidParams,
			fmt.Sprintf("Miner alias can be at most %d characters", c.server.maxAlias))
	}
	if !c.server.addressRe.MatchString(address) {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid wallet address in login parameters")
	}

	session := NewMinerSession(uuid.NewString(), address, alias, c.conn.RemoteAddr(), c.server.cfg.StartingDifficulty)
	job, err := session.GetJob(c.server.provider)
	if err != nil {
		c.logger.Warn("No job available at login", zap.Error(err))
		return c.sendError(req.ID, protocol.ErrInternalError, "Internal error")
	}

	c.server.addSession(session)
	c.setSession(session)
	go c.pushLoop(session)

	if c.server.stats != nil {
		if err := c.server.stats.AddOnlineMiner(context.Background(), address); err != nil {
			c.logger.Debug("Failed to record online miner", zap.Error(err))
		}
	}

	c.logger.Info("Miner logged in",
		zap.String("session_id", session.ID),
		zap.String("address", address),
		zap.String("alias", alias),
		zap.String("agent", params.Agent),
	)

	return c.sendResult(req.ID, protocol.LoginResult{
		ID:     session.ID,
		Job:    jobPayload(job),
		Status: "OK",
	})
}

func (c *connection) handleGetJob(req protocol.Request) error {
	var params protocol.GetJobParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Expected a params map")
	}

	session, ok := c.server.getSession(params.ID)
	if !ok {
		return c.sendError(req.ID, protocol.ErrUnknownSession, "No miner with this ID")
	}

	job, err := session.GetJob(c.server.provider)
	if err != nil {
		return c.sendError(req.ID, protocol.ErrInternalError, "Internal error")
	}

	return c.sendResult(req.ID, jobPayload(job))
}

func (c *connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.server.peerBanned(c.conn.RemoteAddr()) {
		return c.sendError(req.ID, protocol.ErrBanned, banMessage)
	}

	var params protocol.SubmitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "Expected a params map")
	}

	session, ok := c.server.getSession(params.ID)
	if !ok {
		return c.sendError(req.ID, protocol.ErrUnknownSession, "No miner with this ID")
	}
	if !noncePattern.MatchString(params.Nonce) {
		return c.sendError(req.ID, protocol.ErrInvalidParams, "nonce must be 8 hex digits")
	}
	job, ok := session.LookupJob(params.JobID)
	if !ok {
		return c.sendError(req.ID, protocol.ErrJobNotFound, "No job with this ID")
	}

	// Credit the share against VarDiff before validating, so the difficulty
	// curve moves before this job's share counts against a new difficulty.
	AdjustDifficulty(session, job.Difficulty, c.server.cfg)
	if c.server.stats != nil {
		if err := c.server.stats.SetMinerDifficulty(ctx, session.Login, session.Difficulty()); err != nil {
			c.logger.Debug("Failed to record miner difficulty", zap.Error(err))
		}
	}

	outcome, block, err := job.CheckSubmission(params.Nonce)
	if err != nil {
		c.logger.Error("Failed to validate submission", zap.Error(err))
		return c.sendError(req.ID, protocol.ErrInternalError, "Internal error")
	}

	switch outcome {
	case mining.SubmissionBlockFound:
		c.logger.Info("Block found",
			zap.Uint64("height", block.Height),
			zap.String("block_id", block.BlockID),
			zap.String("address", session.Login),
		)
		if err := c.server.daemon.SubmitBlock(ctx, block.CandidateHex); err != nil {
			c.logger.Warn("Failed to send block to daemon", zap.Error(err))
		} else if err := c.server.store.BlockFound(ctx, block.BlockID, block.Height); err != nil {
			c.logger.Warn("Block found, but could not be saved", zap.Error(err))
		}
		c.creditShare(ctx, session, job)
		return c.sendResult(req.ID, "Submission accepted")

	case mining.SubmissionAccepted:
		c.creditShare(ctx, session, job)
		return c.sendResult(req.ID, "Submission accepted")

	case mining.SubmissionDuplicate:
		return c.sendError(req.ID, protocol.ErrDuplicateShare, "Share rejected")

	default: // SubmissionLowDifficulty
		c.server.banPeer(c.conn.RemoteAddr())
		err := c.sendError(req.ID, protocol.ErrLowDifficultyShare, "Share rejected")
		c.close()
		return err
	}
}

func (c *connection) creditShare(ctx context.Context, session *MinerSession, job *mining.Job) {
	if err := c.server.store.SharesAccepted(ctx, session.Login, session.Alias, job.Difficulty); err != nil {
		c.logger.Warn("Failed saving shares", zap.Error(err))
	}
	if c.server.stats != nil {
		if err := c.server.stats.RecordShareForHashrate(ctx, session.Login, job.Difficulty); err != nil {
			c.logger.Debug("Failed to record share for hashrate", zap.Error(err))
		}
	}
}

// pushLoop drains the session's job queue, serializing each job as a "job"
// notification. It exits when the queue is closed.
func (c *connection) pushLoop(session *MinerSession) {
	for {
		job, ok := session.pushQueue.pop()
		if !ok {
			return
		}
		if err := c.sendNotification("job", jobPayload(job)); err != nil {
			c.logger.Debug("Failed to push job", zap.Error(err))
			return
		}
	}
}

func jobPayload(job *mining.Job) protocol.JobPayload {
	return protocol.JobPayload{
		JobID:  job.ID,
		Blob:   job.HashingBlob,
		Target: job.TargetHex,
	}
}

func (c *connection) setSession(session *MinerSession) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.session = session
}

func (c *connection) sendResult(id json.RawMessage, result interface{}) error {
	return c.send(protocol.Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (c *connection) sendError(id json.RawMessage, code int, message string) error {
	return c.send(protocol.Response{JSONRPC: "2.0", ID: id, Error: protocol.NewError(code, message)})
}

func (c *connection) sendNotification(method string, params interface{}) error {
	return c.send(protocol.Notification{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *connection) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.sessionMu.Lock()
		session := c.session
		c.sessionMu.Unlock()
		if session != nil {
			session.Close()
			if c.server.stats != nil {
				if err := c.server.stats.RemoveOnlineMiner(context.Background(), session.Login); err != nil {
					c.logger.Debug("Failed to remove online miner", zap.Error(err))
				}
			}
		}
	})
}
