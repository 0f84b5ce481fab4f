package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/store"
)

// The demo mocks another member of the room: it appends a text message to
// the shared message store periodically. Run the daemon and the demo with the
// same --kafka-brokers so that the daemon is woken for each post.

var (
	dbDriver       = flag.String("db-driver", "sqlite3", "message store driver: sqlite3 or mysql")
	dbDsn          = flag.String("db-dsn", "file:minichat.db?_busy_timeout=5000", "message store dsn")
	kafkaBrokers   = flag.String("kafka-brokers", "127.0.0.1:9092", "kafka brokers, ',' delimitted, empty: no wakeup of other processes")
	kafkaTopic     = flag.String("kafka-topic", "minichat-rooms", "kafka topic of room changes")
	roomID         = flag.String("room", "general", "the room id")
	authorID       = flag.String("author-id", "bob", "author id")
	authorName     = flag.String("author-name", "Bob", "author display name")
	tickerDuration = flag.Duration("ticker-duration", 10*time.Second, "ticker duration")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	dialect, err := store.DialectOf(*dbDriver)
	if err != nil {
		panic(err)
	}
	db, err := sql.Open(dialect.Driver, *dbDsn)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-rooms --create
	// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-rooms --delete

	var feed store.IFeed
	stopDoneC := make(chan struct{}, 1)
	if *kafkaBrokers != "" {
		kafkaFeed := store.DialKafkaFeed(strings.Split(*kafkaBrokers, ","), *kafkaTopic)
		go kafkaFeed.Run(ctx, stopDoneC)
		feed = kafkaFeed
	} else {
		localFeed := store.NewLocalFeed()
		defer localFeed.Close()
		feed = localFeed
		stopDoneC <- struct{}{}
	}

	messages := store.NewMessageStore(db, dialect, feed)
	if err := messages.EnsureSchema(ctx); err != nil {
		panic(err)
	}

	author := chatstore.Author{ID: *authorID, Name: *authorName}

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	var i int = 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}

		msg, err := chatstore.NewText(*roomID, author, fmt.Sprintf("hello #%d from %s", i, author.Name))
		if err != nil {
			panic(err)
		}
		id, err := messages.Append(ctx, msg)
		if err != nil {
			glog.Errorf("append error: %v", err)
			continue
		}
		glog.Infof("posted %s", id)
		i++
	}

	<-stopDoneC
	fmt.Fprintln(os.Stderr, "demo exited")
}
