// Package protocol implements the per-connection STOMP state machine.
//
// Every validation failure is answered with an ERROR frame and leaves the
// connection open so the client can correct itself and retry. Only a
// successful DISCONNECT ends the connection.
package protocol

import (
	"strings"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/broker"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/frame"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

const (
	AcceptedVersion = "1.2"
	AcceptedHost    = "stomp.cs.bgu.ac.il"
)

const (
	MsgMissingLogin       = "Missing 'login' or 'passcode' header in CONNECT frame"
	MsgBadVersion         = "Invalid or missing 'accept-version' header in CONNECT frame"
	MsgBadHost            = "Invalid or missing 'host' header in CONNECT frame"
	MsgUserActive         = "User already logged in"
	MsgIncorrectPasscode  = "Incorrect passcode"
	MsgMissingDestination = "Missing or empty 'destination' header"
	MsgNotSubscribed      = "Not subscribed to the given topic"
	MsgSubscribeNoDest    = "Missing 'destination' header in SUBSCRIBE frame"
	MsgUnsubscribeNoID    = "Missing 'id' header in UNSUBSCRIBE frame"
	MsgEmptyReceipt       = "Empty 'receipt' header in DISCONNECT frame"
	MsgUnsupported        = "Unsupported frame type: "
)

var _ api.Protocol[frame.Frame] = (*Stomp)(nil)

type Stomp struct {
	connID    int
	registry  *broker.Registry
	terminate bool
}

func New(registry *broker.Registry) *Stomp {
	return &Stomp{registry: registry}
}

// NewFactory returns a constructor the server strategies call once per
// accepted connection.
func NewFactory(registry *broker.Registry) func() api.Protocol[frame.Frame] {
	return func() api.Protocol[frame.Frame] {
		return New(registry)
	}
}

func (p *Stomp) Start(connID int) {
	p.connID = connID
	p.terminate = false
}

func (p *Stomp) ShouldTerminate() bool {
	return p.terminate
}

func (p *Stomp) Process(msg frame.Frame) {
	logger.DebugF("[conn-%d] Receive %s frame", p.connID, msg.Command)

	switch msg.Command {
	case frame.CONNECT:
		p.handleConnect(msg)
	case frame.SEND:
		p.handleSend(msg)
	case frame.SUBSCRIBE:
		p.handleSubscribe(msg)
	case frame.UNSUBSCRIBE:
		p.handleUnsubscribe(msg)
	case frame.DISCONNECT:
		p.handleDisconnect(msg)
	default:
		p.sendError(msg, MsgUnsupported+string(msg.Command))
	}
}

func (p *Stomp) handleConnect(msg frame.Frame) {
	username, hasLogin := msg.Header(frame.HeaderLogin)
	password, hasPasscode := msg.Header(frame.HeaderPasscode)
	if !hasLogin || !hasPasscode {
		p.sendError(msg, MsgMissingLogin)
		return
	}
	if v, _ := msg.Header(frame.HeaderAcceptVersion); v != AcceptedVersion {
		p.sendError(msg, MsgBadVersion)
		return
	}
	if h, _ := msg.Header(frame.HeaderHost); h != AcceptedHost {
		p.sendError(msg, MsgBadHost)
		return
	}
	if p.registry.IsUserActive(username) {
		p.sendError(msg, MsgUserActive)
		return
	}

	p.registry.AddCredential(username, password)
	if !p.registry.CheckCredential(username, password) {
		logger.WarnF("[conn-%d] Login failed for %s", p.connID, username)
		p.sendError(msg, MsgIncorrectPasscode)
		return
	}

	if !p.registry.AddActiveSession(p.connID, username) {
		p.sendError(msg, MsgUserActive)
		return
	}

	logger.InfoF("[conn-%d] User %s logged in", p.connID, username)
	p.reply(frame.New(frame.CONNECTED, map[string]string{frame.HeaderVersion: AcceptedVersion}, ""))
}

func (p *Stomp) handleSend(msg frame.Frame) {
	topic, ok := destination(msg)
	if !ok || topic == "" {
		p.sendError(msg, MsgMissingDestination)
		return
	}
	if !p.registry.IsSubscribed(p.connID, topic) {
		p.sendError(msg, MsgNotSubscribed)
		return
	}

	n := p.registry.Broadcast(topic, msg)
	logger.DebugF("[conn-%d] Broadcast to /%s reached %d subscribers", p.connID, topic, n)
}

func (p *Stomp) handleSubscribe(msg frame.Frame) {
	topic, ok := destination(msg)
	if !ok || topic == "" {
		p.sendError(msg, MsgSubscribeNoDest)
		return
	}

	subscriptionID, _ := msg.Header(frame.HeaderID)
	p.registry.Subscribe(p.connID, topic, subscriptionID)
	p.sendReceipt(msg)
}

func (p *Stomp) handleUnsubscribe(msg frame.Frame) {
	subscriptionID, ok := msg.Header(frame.HeaderID)
	if !ok {
		p.sendError(msg, MsgUnsubscribeNoID)
		return
	}

	if topic, found := p.registry.TopicForSubscription(p.connID, subscriptionID); found {
		p.registry.Unsubscribe(p.connID, topic)
	}
	p.sendReceipt(msg)
}

func (p *Stomp) handleDisconnect(msg frame.Frame) {
	if receipt, ok := msg.Header(frame.HeaderReceipt); ok && receipt == "" {
		p.sendError(msg, MsgEmptyReceipt)
		return
	}

	p.sendReceipt(msg)
	p.registry.Disconnect(p.connID)
	p.terminate = true
	logger.InfoF("[conn-%d] Client disconnect", p.connID)
}

// destination returns the destination header without its leading slash.
func destination(msg frame.Frame) (string, bool) {
	d, ok := msg.Header(frame.HeaderDestination)
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(d, "/"), true
}

func (p *Stomp) reply(f frame.Frame) {
	if !p.registry.Send(p.connID, f) {
		logger.DebugF("[conn-%d] Dropped %s reply, connection gone", p.connID, f.Command)
	}
}

func (p *Stomp) sendReceipt(msg frame.Frame) {
	receipt, ok := msg.Header(frame.HeaderReceipt)
	if !ok {
		return
	}
	p.reply(frame.New(frame.RECEIPT, map[string]string{frame.HeaderReceiptID: receipt}, ""))
}

// sendError answers msg with an ERROR frame. The offending frame is quoted
// in the body and its receipt, if any, is echoed.
func (p *Stomp) sendError(msg frame.Frame, message string) {
	logger.DebugF("[conn-%d] %s", p.connID, message)
	headers := map[string]string{frame.HeaderMessage: message}
	if receipt, ok := msg.Header(frame.HeaderReceipt); ok && receipt != "" {
		headers[frame.HeaderReceiptID] = receipt
	}
	body := "The message:\n-----\n" + msg.String() + "\n-----"
	p.reply(frame.New(frame.ERROR, headers, body))
}
