package registry

import (
	"context"
	"sync"

	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// change 是广播中的事件载荷，Modified 事件额外带上修改前的标签
type change struct {
	object     runtime.Object
	prevLabels map[string]string
}

func (c *change) GetObjectKind() schema.ObjectKind { return c.object.GetObjectKind() }

func (c *change) DeepCopyObject() runtime.Object {
	return &change{object: c.object.DeepCopyObject(), prevLabels: c.prevLabels}
}

// filteredWatcher 从广播中只取出匹配 ListOptions 的事件。
// 资源因标签变化进入 selector 时发出 Added，离开时发出 Deleted。
// 每个事件都会被深拷贝，订阅者之间不会共享同一个对象。
// ctx 结束或调用 Stop 后，ResultChan 会被关闭。
type filteredWatcher struct {
	source watch.Interface
	opts   ListOptions
	result chan watch.Event

	stopOnce sync.Once
	done     chan struct{}
}

var _ watch.Interface = &filteredWatcher{}

func newFilteredWatcher(ctx context.Context, source watch.Interface, opts ListOptions) *filteredWatcher {
	fw := &filteredWatcher{
		source: source,
		opts:   opts,
		result: make(chan watch.Event),
		done:   make(chan struct{}),
	}
	go fw.run(ctx)
	return fw
}

func (fw *filteredWatcher) run(ctx context.Context) {
	defer close(fw.result)
	defer fw.source.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.source.ResultChan():
			if !ok {
				return
			}
			event, keep := fw.translate(event)
			if !keep {
				continue
			}
			select {
			case fw.result <- event:
			case <-ctx.Done():
				return
			case <-fw.done:
				return
			}
		}
	}
}

// translate 把广播事件转换成订阅者看到的事件，第二个返回值为 false 时丢弃
func (fw *filteredWatcher) translate(event watch.Event) (watch.Event, bool) {
	c, ok := event.Object.(*change)
	if !ok {
		return event, event.Type == watch.Error
	}
	accessor, err := metav1.Accessor(c.object)
	if err != nil {
		return watch.Event{}, false
	}
	out := watch.Event{Type: event.Type, Object: c.object.DeepCopyObject()}
	matches := fw.opts.matches(accessor.GetNamespace(), accessor.GetLabels())
	if event.Type != watch.Modified {
		return out, matches
	}

	wasMatching := fw.opts.matches(accessor.GetNamespace(), c.prevLabels)
	switch {
	case matches && wasMatching:
	case matches:
		out.Type = watch.Added
	case wasMatching:
		// 携带新版本号，缓存据此移除旧条目
		out.Type = watch.Deleted
	default:
		return watch.Event{}, false
	}
	return out, true
}

func (fw *filteredWatcher) Stop() {
	fw.stopOnce.Do(func() { close(fw.done) })
}

func (fw *filteredWatcher) ResultChan() <-chan watch.Event {
	return fw.result
}
