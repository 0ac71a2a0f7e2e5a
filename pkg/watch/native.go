package watch

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

type native struct {
	w *fsnotify.Watcher
}

func newNative(paths []string) (*native, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, err
		}
	}
	return &native{w: w}, nil
}

func (n *native) run(ctx context.Context, paths []string, report func(Change)) error {
	defer n.w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-n.w.Events:
			if !ok {
				return nil
			}
			report(Change{Path: ev.Name, Kind: nativeKind(ev.Op)})
		case err, ok := <-n.w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func nativeKind(op fsnotify.Op) ChangeKind {
	switch {
	case op.Has(fsnotify.Create):
		return Created
	case op.Has(fsnotify.Rename):
		return Renamed
	case op.Has(fsnotify.Write):
		return Updated
	case op.Has(fsnotify.Remove):
		return Removed
	}
	return Other
}
