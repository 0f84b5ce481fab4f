package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/compose"
	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/room"
	"github.com/mqy/minichat/settings"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/subscription"
	"github.com/mqy/minichat/ws"
)

const kafkaTopic = "minichat-rooms"

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagDbDriver = flag.String("db-driver", "sqlite3", "message store driver: sqlite3 or mysql")
	flagDbDsn    = flag.String("db-dsn", "file:minichat.db?_busy_timeout=5000", "message store dsn, e.g. root:@tcp(127.0.0.1:3306)/minichat?charset=utf8mb4 for mysql")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers to share room changes between processes, empty: in-process feed")
	flagKafkaTopic   = flag.String("kafka-topic", kafkaTopic, "kafka topic of room changes")

	flagBlobDb  = flag.String("blob-db", "minichat-blob.db", "blob store file")
	flagBlobURL = flag.String("blob-url", "http://127.0.0.1:8000/blob", "url prefix of blobs, its path is served by this server")

	flagRoom   = flag.String("room", "general", "the room id")
	flagWindow = flag.Int("window", chatstore.DefaultWindow, "number of newest messages to keep")

	flagUserId    = flag.String("user-id", "", "local user id")
	flagUserName  = flag.String("user-name", "", "local user display name")
	flagUserPhoto = flag.String("user-photo", "", "local user photo url")

	flagSettings     = flag.String("settings", "", "notification settings yaml file, reloaded on change")
	flagSessionQuota = flag.Uint("session-quota", 5, "per user ui session quota, allowed value in [1, 10]")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	dialect, _ := store.DialectOf(*flagDbDriver)
	db, err := sql.Open(dialect.Driver, *flagDbDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagDbDsn, err)
	}
	defer db.Close()

	if dialect == store.SQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	glog.Info("minichat daemon is starting")

	var feed store.IFeed
	var kafkaFeed *store.KafkaFeed
	localFeed := store.NewLocalFeed()
	if *flagKafkaBrokers != "" {
		kafkaFeed = store.DialKafkaFeed(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
		feed = kafkaFeed
	} else {
		feed = localFeed
	}

	messageStore := store.NewMessageStore(db, dialect, feed)
	if err := messageStore.EnsureSchema(ctx); err != nil {
		return errorf("message store: %v", err)
	}

	blobURL, _ := url.Parse(*flagBlobURL)
	blobStore, err := blob.Open(*flagBlobDb, *flagBlobURL)
	if err != nil {
		return errorf("blob store: %v", err)
	}
	defer blobStore.Close()

	notifySettings := notify.DefaultSettings()
	if *flagSettings != "" {
		f, err := settings.Load(*flagSettings)
		if err != nil {
			return errorf("--settings: %v", err)
		}
		notifySettings = f.NotifySettings()
	}

	author := chatstore.Author{ID: *flagUserId, Name: *flagUserName, PhotoURL: *flagUserPhoto}
	composer, err := compose.New(*flagRoom, author, messageStore, blobStore)
	if err != nil {
		return errorf("composer: %v", err)
	}

	tracker := presence.New()
	hub := ws.NewHub(newAuthClient(), ws.NewApi(composer, tracker), int(*flagSessionQuota))

	manager := subscription.NewManager(messageStore)
	roomSession, err := room.Open(ctx, manager, tracker, hub, room.Config{
		RoomID:      *flagRoom,
		Window:      *flagWindow,
		LocalUserID: author.ID,
		Settings:    notifySettings,
	})
	if err != nil {
		return errorf("open room: %v", err)
	}

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.HandleFunc("/send/image", hub.HandleSendImage)
	mux.HandleFunc("/send/file", hub.HandleSendFile)
	blobPath := strings.TrimRight(blobURL.Path, "/")
	mux.Handle(blobPath+"/", http.StripPrefix(blobPath, blobStore))

	srv := newServer(*flagAddr, mux)
	lis, err := srv.listen()
	if err != nil {
		roomSession.Close()
		return errorf("%v", err)
	}

	var stopDoneCs []chan struct{}
	start := func(fn func(stopDoneC chan<- struct{})) {
		c := make(chan struct{}, 1)
		stopDoneCs = append(stopDoneCs, c)
		go fn(c)
	}

	if kafkaFeed != nil {
		start(func(c chan<- struct{}) { kafkaFeed.Run(ctx, c) })
	}
	start(func(c chan<- struct{}) { hub.Run(ctx, roomSession, c) })
	start(func(c chan<- struct{}) { srv.Run(ctx, lis, c) })
	if *flagSettings != "" {
		go func() {
			err := settings.Watch(ctx, *flagSettings, func(f *settings.File) {
				roomSession.SetSettings(f.NotifySettings())
			})
			if err != nil {
				glog.Errorf("settings watch: %v", err)
			}
		}()
	}

	glog.Infof("minichat daemon is started, room: %s, user: %s", *flagRoom, author.ID)
	glog.Infof("`CTRL+c` or `kill %d` to graceful stop", pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat daemon is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			for _, c := range stopDoneCs {
				<-c
			}
			roomSession.Close()
			manager.Close()
			localFeed.Close()
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat daemon exited")
	return 0
}

func newAuthClient() auth.Client {
	// The daemon serves the local user only.
	return &auth.MockClient{Uid: *flagUserId}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}

	if _, err := store.DialectOf(*flagDbDriver); err != nil {
		return errorf("--db-driver: %v", err)
	}
	if *flagDbDsn == "" {
		return errorf("--db-dsn is required")
	}

	if *flagBlobDb == "" {
		return errorf("--blob-db is required")
	}
	if u, err := url.Parse(*flagBlobURL); err != nil {
		return errorf("--blob-url: %v", err)
	} else if strings.Trim(u.Path, "/") == "" {
		return errorf("--blob-url: path is required, e.g. /blob")
	}

	if *flagRoom == "" {
		return errorf("--room is required")
	}
	if *flagWindow <= 0 || *flagWindow > subscription.MaxLimit {
		return errorf("--window MUST in range [1, %d]", subscription.MaxLimit)
	}
	if *flagUserId == "" || *flagUserName == "" {
		return errorf("--user-id and --user-name are required")
	}

	if *flagSessionQuota == 0 {
		return errorf("--session-quota is required positive integer")
	} else if *flagSessionQuota > 10 {
		return errorf("--session-quota MUST in range [1, 10]")
	}

	if *flagSettings != "" {
		if _, err := os.Stat(*flagSettings); err != nil {
			return errorf("--settings: %v", err)
		}
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// See if we have a stale pid file here.
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
