// Package node implements the node supervisor (spec C7): the control
// client that talks to the tracker, and the loop that wires announcing,
// directory queries, downloads, and seeding together.
package node

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mccartykim/fileswarm/internal/control"
)

// request is one outbound frame queued for the router. reply is nil for
// ADD and ADD_BLOCK, which carry no response (spec §4.6); LIST and FILE
// set it and block for the matching OK frame.
type request struct {
	flag    control.Flag
	payload []byte
	reply   chan response
}

type response struct {
	frame control.Frame
	err   error
}

// Client is one node's control connection to the tracker. Per spec §9's
// redesign note, a single dedicated goroutine (the router) owns the
// stream: it drains a work queue of outbound frames, writes each in
// turn, and reads the matching reply only for requests that carry one.
// This keeps the wire FIFO-ordered without holding a lock across
// blocking I/O, so leecher workers can queue ADD_BLOCK announcements
// while the supervisor is mid-LIST or mid-FILE.
type Client struct {
	conn net.Conn
	reqs chan request
	done chan struct{}
	log  *logrus.Entry
}

// Dial connects to the tracker at addr and starts its router goroutine.
func Dial(addr string, log *logrus.Entry) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "node: dial tracker %s", addr)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Client{
		conn: conn,
		reqs: make(chan request),
		done: make(chan struct{}),
		log:  log,
	}
	go c.route()
	return c, nil
}

func (c *Client) route() {
	defer close(c.done)
	r := control.NewReader(c.conn)

	for req := range c.reqs {
		err := control.WriteFrame(c.conn, req.flag, req.payload)
		if req.reply == nil {
			if err != nil {
				c.log.WithError(err).WithField("flag", req.flag).Warn("node: control write failed")
			}
			continue
		}
		if err != nil {
			req.reply <- response{err: err}
			continue
		}
		f, ferr := control.ReadFrame(r)
		req.reply <- response{frame: f, err: ferr}
	}
}

func (c *Client) send(flag control.Flag, payload []byte) error {
	select {
	case c.reqs <- request{flag: flag, payload: payload}:
		return nil
	case <-c.done:
		return errors.New("node: control connection closed")
	}
}

func (c *Client) sendAndWait(flag control.Flag, payload []byte) (control.Frame, error) {
	reply := make(chan response, 1)
	select {
	case c.reqs <- request{flag: flag, payload: payload, reply: reply}:
	case <-c.done:
		return control.Frame{}, errors.New("node: control connection closed")
	}
	resp := <-reply
	return resp.frame, resp.err
}

// Add announces a node's full inventory on connect (spec §7 step 1).
func (c *Client) Add(entries []control.InventoryEntry) error {
	return errors.Wrap(c.send(control.FlagADD, control.EncodeEntries(entries)), "node: ADD")
}

// AddBlock announces a newly completed block. Satisfies leecher.Announcer
// and is safe to call concurrently from every active leecher worker.
func (c *Client) AddBlock(index uint32, name string) error {
	return errors.Wrap(c.send(control.FlagADDBlock, control.EncodeAddBlock(index, name)), "node: ADD_BLOCK")
}

// List queries the tracker's file directory.
func (c *Client) List() ([]string, error) {
	f, err := c.sendAndWait(control.FlagLIST, nil)
	if err != nil {
		return nil, errors.Wrap(err, "node: LIST")
	}
	return control.DecodeFileNames(f.Payload), nil
}

// File queries holder availability for a file.
func (c *Client) File(name string) (control.AvailabilityReply, error) {
	f, err := c.sendAndWait(control.FlagFILE, []byte(name))
	if err != nil {
		return control.AvailabilityReply{}, errors.Wrap(err, "node: FILE")
	}
	reply, err := control.DecodeAvailabilityReply(f.Payload)
	return reply, errors.Wrap(err, "node: FILE reply decode")
}

// Close shuts down the router and closes the underlying connection.
func (c *Client) Close() error {
	close(c.reqs)
	<-c.done
	return c.conn.Close()
}
