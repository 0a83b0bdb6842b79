package pnshare

import (
	"io/ioutil"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// PeerAuthorizer decides whether a peer with an authenticated identity
// fingerprint may establish a secure channel with this node.
type PeerAuthorizer interface {
	AllowPeer(fingerprint string) bool
}

// AllowAllPeers authorizes any peer that passes identity authentication.
// Used when no authorized-peers file is configured.
type AllowAllPeers struct{}

// AllowPeer always returns true.
func (AllowAllPeers) AllowPeer(fingerprint string) bool {
	return true
}

// PeerIndex is a PeerAuthorizer backed by a file of pinned fingerprints, one
// per line ('#' starts a comment). The file is re-read whenever it changes on
// disk, so peers can be added and revoked without restarting the node.
type PeerIndex struct {
	ShutdownHelper
	path         string
	watcher      *fsnotify.Watcher
	fingerprints map[string]bool
}

// NewPeerIndex loads an authorized-peers file and begins watching it for
// changes.
func NewPeerIndex(logger Logger, path string) (*PeerIndex, error) {
	p := &PeerIndex{
		path: path,
	}
	p.InitShutdownHelper(logger.Fork("peers"), p)

	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, p.Errorf("Unable to watch authorized peers file: %s", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, p.Errorf("Unable to watch %s: %s", path, err)
	}
	p.watcher = watcher
	p.PanicOnError(p.Activate())

	go p.watchLoop()
	return p, nil
}

func (p *PeerIndex) watchLoop() {
	for {
		select {
		case <-p.ShutdownStartedChan():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := p.reload(); err != nil {
					p.WLogf("Reload of authorized peers failed, keeping previous set: %s", err)
				} else {
					p.ILogf("Reloaded authorized peers (%d entries)", p.Len())
				}
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.WLogf("Watcher error: %s", err)
		}
	}
}

func (p *PeerIndex) reload() error {
	data, err := ioutil.ReadFile(p.path)
	if err != nil {
		return p.Errorf("Unable to read authorized peers file %s: %s", p.path, err)
	}
	fingerprints := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fingerprints[strings.ToLower(line)] = true
	}
	p.Lock.Lock()
	p.fingerprints = fingerprints
	p.Lock.Unlock()
	return nil
}

// AllowPeer returns true if the fingerprint is pinned in the file.
func (p *PeerIndex) AllowPeer(fingerprint string) bool {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.fingerprints[strings.ToLower(fingerprint)]
}

// Len returns the number of pinned fingerprints.
func (p *PeerIndex) Len() int {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return len(p.fingerprints)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (p *PeerIndex) HandleOnceShutdown(completionErr error) error {
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
