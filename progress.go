package main

import (
	"context"
	"strconv"
	"time"

	"github.com/gosuri/uiprogress"

	"github.com/mtorrent/mtorrent/hash"
	"github.com/mtorrent/mtorrent/tor"
)

// displayProgress maintains a progress bar per torrent on the terminal.
// Bars only appear once a torrent's metadata is complete, since the
// piece count isn't known before that.
func displayProgress(ctx context.Context) {
	uiprogress.Start()
	defer uiprogress.Stop()

	bars := make(map[string]*uiprogress.Bar)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tor.Range(func(h hash.Hash, t *tor.Torrent) bool {
			if !t.InfoComplete() {
				return true
			}
			key := h.String()
			bar, ok := bars[key]
			if !ok {
				name := t.Name
				if len(name) > 20 {
					name = name[:20]
				}
				bar = uiprogress.AddBar(t.Pieces.Num())
				bar.AppendCompleted()
				bar.PrependFunc(func(b *uiprogress.Bar) string {
					return name
				})
				bar.AppendFunc(func(b *uiprogress.Bar) string {
					return "pieces: " +
						strconv.Itoa(b.Current()) + "/" +
						strconv.Itoa(b.Total)
				})
				bars[key] = bar
			}
			bar.Set(t.Pieces.Bitmap().Count())
			return true
		})
	}
}
