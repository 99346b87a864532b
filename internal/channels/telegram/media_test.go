package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlbumBufferGroupsByMediaGroupID(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string][]*telego.Message{}
	done := make(chan struct{}, 2)

	buf := newAlbumBuffer(func(msgs []*telego.Message) {
		mu.Lock()
		flushed[msgs[0].MediaGroupID] = msgs
		mu.Unlock()
		done <- struct{}{}
	})

	buf.add(&telego.Message{MessageID: 1, MediaGroupID: "g1"})
	buf.add(&telego.Message{MessageID: 2, MediaGroupID: "g1"})
	buf.add(&telego.Message{MessageID: 3, MediaGroupID: "g2"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("album flush did not fire")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed["g1"], 2)
	assert.Equal(t, 1, flushed["g1"][0].MessageID)
	assert.Equal(t, 2, flushed["g1"][1].MessageID)
	require.Len(t, flushed["g2"], 1)
}

func TestAlbumBufferLateItemExtendsWindow(t *testing.T) {
	done := make(chan []*telego.Message, 1)
	buf := newAlbumBuffer(func(msgs []*telego.Message) { done <- msgs })

	buf.add(&telego.Message{MessageID: 1, MediaGroupID: "g"})
	time.Sleep(albumFlushDelay / 2)
	buf.add(&telego.Message{MessageID: 2, MediaGroupID: "g"})

	select {
	case msgs := <-done:
		assert.Len(t, msgs, 2, "second item arriving within the window joins the group")
	case <-time.After(2 * time.Second):
		t.Fatal("album flush did not fire")
	}
}

func TestBuildTurnInputImageHistory(t *testing.T) {
	c := &Channel{
		download: func(context.Context, string, int64) ([]byte, error) {
			return []byte{0xff, 0xd8}, nil
		},
	}

	in, err := c.buildTurnInput(context.Background(), []*telego.Message{{
		Photo:   []telego.PhotoSize{{FileID: "f1"}},
		Caption: "describe",
	}})
	require.NoError(t, err)
	assert.Equal(t, "[Image]describe", in.History)
	assert.Equal(t, "describe", in.Text)
	require.Len(t, in.Images, 1)

	// A bare photo still leaves a marker in the session record.
	in, err = c.buildTurnInput(context.Background(), []*telego.Message{{
		Photo: []telego.PhotoSize{{FileID: "f2"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "[Image]", in.History)
	assert.Equal(t, "Describe the attached image(s).", in.Text)
}

func TestDocumentBlockBinaryPlaceholder(t *testing.T) {
	c := &Channel{}
	block, err := c.documentBlock(context.Background(), &telego.Document{
		FileName: "photo.psd",
	})
	require.NoError(t, err)
	assert.Contains(t, block, "photo.psd")
	assert.Contains(t, block, "binary format")
}

func TestDocumentBlockOversized(t *testing.T) {
	c := &Channel{}
	block, err := c.documentBlock(context.Background(), &telego.Document{
		FileName: "big.txt",
		FileSize: 50 * 1024 * 1024,
	})
	require.NoError(t, err)
	assert.Contains(t, block, "too large")
}
