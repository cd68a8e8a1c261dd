package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// maxDatagram is the largest control datagram the server accepts.
const maxDatagram = 1400

// ingressQueueDepth bounds the frames parked between the receive loop and
// the worker. Overflow drops the newest frame; frontends resubmit.
const ingressQueueDepth = 4096

// parseErrorLogEvery rate-limits bad-frame logging.
const parseErrorLogEvery = 128

// frame is one received datagram with its source address.
type frame struct {
	data []byte
	addr *net.UDPAddr
}

// UDPServer is one receive-thread/worker pair of the datagram RPC ingress.
// The dispatcher runs --udp-threads of these on the same port via
// SO_REUSEPORT. The wire encoding stays behind the injected codec.
type UDPServer struct {
	dispatcher *Dispatcher
	codec      WireCodec
	rx         net.PacketConn
	tx         net.PacketConn
	rxCPU      int
	workerCPU  int

	queue chan frame
	done  chan struct{}
	wg    sync.WaitGroup

	parseErrors uint64
}

// NewUDPServer wraps an already-bound receive socket. rxCPU and workerCPU
// pin the two loops when non-negative.
func NewUDPServer(dispatcher *Dispatcher, codec WireCodec, rx net.PacketConn, rxCPU, workerCPU int) (*UDPServer, error) {
	tx, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind udp tx socket: %w", err)
	}
	return &UDPServer{
		dispatcher: dispatcher,
		codec:      codec,
		rx:         rx,
		tx:         tx,
		rxCPU:      rxCPU,
		workerCPU:  workerCPU,
		queue:      make(chan frame, ingressQueueDepth),
		done:       make(chan struct{}),
	}, nil
}

// Run starts the receive and worker loops. It returns after both have been
// launched; Stop joins them.
func (s *UDPServer) Run() {
	s.wg.Add(2)
	go s.receiveLoop()
	go s.workerLoop()
	logrus.Infof("UDP RPC server is listening on %s and sending from %s",
		s.rx.LocalAddr(), s.tx.LocalAddr())
}

// Stop cancels the socket read and joins both loops.
func (s *UDPServer) Stop() {
	close(s.done)
	s.rx.Close()
	s.tx.Close()
	s.wg.Wait()
}

func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	if s.rxCPU >= 0 {
		PinCurrentThread(s.rxCPU)
	}
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.rx.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Warnf("udp read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.queue <- frame{data: data, addr: addr.(*net.UDPAddr)}:
		default:
			logrus.Warnf("ingress queue full, dropping datagram from %s", addr)
		}
	}
}

func (s *UDPServer) workerLoop() {
	defer s.wg.Done()
	if s.workerCPU >= 0 {
		PinCurrentThread(s.workerCPU)
	}
	for {
		select {
		case <-s.done:
			return
		case f := <-s.queue:
			s.handleFrame(f)
		}
	}
}

func (s *UDPServer) handleFrame(f frame) {
	// Punch clock: the query reached the dispatcher.
	recvNS := s.dispatcher.clock.Now()

	req, err := s.codec.DecodeDispatchRequest(f.data)
	if err != nil {
		s.parseErrors++
		s.dispatcher.metrics.ParseErrors.Inc()
		if s.parseErrors%parseErrorLogEvery == 1 {
			logrus.Errorf("bad request, failed to decode (%d so far): %v", s.parseErrors, err)
		}
		return
	}
	req.Query.Clock.DispatcherRecvNS = recvNS

	reply := s.dispatcher.Dispatch(req)
	if reply == nil {
		return
	}

	msg, err := s.codec.EncodeDispatchReply(reply)
	if err != nil {
		logrus.Errorf("failed to encode reply: %v", err)
		return
	}
	// Reply to the source IP with the rpc port named in the request, not
	// the source port.
	dest := &net.UDPAddr{IP: f.addr.IP, Port: int(req.UDPRPCPort)}
	n, err := s.tx.WriteTo(msg, dest)
	if err != nil {
		logrus.Warnf("udp reply to %s: %v", dest, err)
		return
	}
	if n != len(msg) {
		logrus.Warnf("UDP RPC server reply sent %d bytes, expecting %d bytes", n, len(msg))
	}
}

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to one CPU. Affinity failure at startup is fatal.
func PinCurrentThread(cpu int) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logrus.Fatalf("error setting cpu affinity to %d: %v", cpu, err)
	}
	logrus.Infof("pinned thread on CPU %d", cpu)
}

// ListenReusePort binds a UDP socket with SO_REUSEPORT so multiple receive
// loops can share one port, kernel-balanced.
func ListenReusePort(port int) (net.PacketConn, error) {
	config := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := config.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	return conn, nil
}
