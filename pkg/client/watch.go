package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
)

// streamWatcher 把换行分隔的线路事件还原成 watch.Interface
type streamWatcher struct {
	result   chan watch.Event
	body     io.ReadCloser
	cancel   context.CancelFunc
	stopOnce sync.Once
}

var _ watch.Interface = &streamWatcher{}

func newStreamWatcher(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, decode func([]byte) (runtime.Object, error)) *streamWatcher {
	sw := &streamWatcher{
		result: make(chan watch.Event),
		body:   body,
		cancel: cancel,
	}
	go sw.receive(ctx, decode)
	return sw
}

func (sw *streamWatcher) ResultChan() <-chan watch.Event {
	return sw.result
}

// Stop 关闭连接，ResultChan 随后被关闭。可以重复调用。
func (sw *streamWatcher) Stop() {
	sw.stopOnce.Do(func() {
		sw.cancel()
		_ = sw.body.Close()
	})
}

func (sw *streamWatcher) receive(ctx context.Context, decode func([]byte) (runtime.Object, error)) {
	defer close(sw.result)
	defer sw.Stop()

	dec := json.NewDecoder(sw.body)
	for {
		var wire registry.Event
		if err := dec.Decode(&wire); err != nil {
			// 连接被关闭或服务端结束了流，调用方重新 Watch 即可
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				klog.V(2).InfoS("Watch stream ended", "err", err)
			}
			return
		}
		ev, err := wire.Decode(decode)
		if err != nil {
			klog.ErrorS(err, "Failed to decode watch event", "type", wire.Type)
			continue
		}
		select {
		case sw.result <- ev:
		case <-ctx.Done():
			return
		}
	}
}
