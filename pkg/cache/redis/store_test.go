package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"go.uber.org/mock/gomock"

	"github.com/pario-ai/tenantgate/pkg/models"
)

func TestGet_Hit(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	entry := models.CacheEntry{Key: "k1", Model: "m1", Response: []byte("answer"), CompletionTokens: 5}
	data, _ := json.Marshal(entry)

	c.EXPECT().
		DoMulti(gomock.Any(), mock.Match("GET", "tg:k1"), mock.Match("GET", "tg:k1:hits")).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisBlobString(string(data))),
			mock.Result(mock.RedisInt64(3)),
		})

	s := newStore(c, "tg:")
	got, ok, err := s.Get(context.Background(), "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Response) != "answer" || got.Hits != 3 || got.CompletionTokens != 5 {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestGet_Miss(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		DoMulti(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisNil()),
			mock.Result(mock.RedisNil()),
		})

	s := newStore(c, "tg:")
	_, ok, err := s.Get(context.Background(), "k1")
	if ok || err != nil {
		t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestPut_SetsTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	c.EXPECT().
		DoMulti(gomock.Any(),
			mock.MatchFn(func(cmd []string) bool {
				return cmd[0] == "SET" && cmd[1] == "tg:k1" && cmd[3] == "EX" && cmd[4] == "3600"
			}),
			mock.Match("DEL", "tg:k1:hits"),
		).
		Return([]rueidis.RedisResult{
			mock.Result(mock.RedisString("OK")),
			mock.Result(mock.RedisInt64(0)),
		})

	s := newStore(c, "tg:")
	s.now = func() time.Time { return now }
	err := s.Put(context.Background(), models.CacheEntry{
		Key: "k1", Model: "m1", Response: []byte("answer"),
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPut_AlreadyExpired(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	s := newStore(c, "tg:")
	err := s.Put(context.Background(), models.CacheEntry{Key: "k1", ExpiresAt: time.Now().Add(-time.Second)})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCount_SkipsCounters(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool { return cmd[0] == "SCAN" })).
		Return(mock.Result(mock.RedisArray(
			mock.RedisInt64(0),
			mock.RedisArray(
				mock.RedisBlobString("tg:a"),
				mock.RedisBlobString("tg:a:hits"),
				mock.RedisBlobString("tg:b"),
			),
		)))

	s := newStore(c, "tg:")
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}
