package cluster

import (
	"errors"
	"fmt"

	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

var (
	ErrNotStarted         = errors.New("cluster: not started")
	ErrStopped            = errors.New("cluster: stopped")
	ErrHalted             = errors.New("cluster: discovery halted")
	ErrSlowSubscriber     = errors.New("cluster: subscriber fell behind; resubscribe")
	ErrRefreshUnsupported = fmt.Errorf("cluster: source does not support refresh: %w", transport.ErrUnsupported)
)
