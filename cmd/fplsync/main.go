package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/curbz/fplsync/internal/bus"
	"github.com/curbz/fplsync/internal/fpl"
	"github.com/curbz/fplsync/internal/syncmgr"
	"github.com/curbz/fplsync/pkg/util"
)

type config struct {
	Sync struct {
		UnitName      string `yaml:"unit_name"`
		Master        bool   `yaml:"master"`
		SettleDelayMs int    `yaml:"settle_delay_ms"`
		Transport     string `yaml:"transport"` // "relay" or "redis"
		RelayURL      string `yaml:"relay_url"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisChannel  string `yaml:"redis_channel"`
	} `yaml:"sync"`
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to configuration file")
	demo := flag.Bool("demo", false, "run a short scripted mutation sequence after boot")
	flag.Parse()

	cfg, err := util.LoadConfig[config](*cfgPath)
	if err != nil {
		log.Fatalf("Error reading configuration file: %v\n", err)
	}

	unitName := cfg.Sync.UnitName
	if unitName == "" {
		unitName = uuid.NewString()
		log.Printf("no unit_name configured, generated %s", unitName)
	}

	var b bus.Bus
	var listen func()
	switch cfg.Sync.Transport {
	case "", "relay":
		var sb *bus.SocketBus
		sb, err = bus.DialSocketBus(cfg.Sync.RelayURL, unitName)
		b, listen = sb, sb.Listen
	case "redis":
		channel := cfg.Sync.RedisChannel
		if channel == "" {
			channel = "fplsync"
		}
		var rb *bus.RedisBus
		rb, err = bus.DialRedisBus(cfg.Sync.RedisAddr, channel, unitName)
		b, listen = rb, rb.Listen
	default:
		log.Fatalf("FATAL: unknown transport %q", cfg.Sync.Transport)
	}
	if err != nil {
		log.Fatalf("FATAL: could not connect transport: %v", err)
	}
	defer b.Close()

	settle := time.Duration(cfg.Sync.SettleDelayMs) * time.Millisecond
	mgr := syncmgr.New(b, syncmgr.Options{Master: cfg.Sync.Master, SettleDelay: settle})
	defer mgr.Close()

	// subscriptions are in place; open the inbound event stream
	listen()

	role := "follower"
	if mgr.IsMaster() {
		role = "master"
	}
	log.Printf("flight plan sync unit %s running as %s", unitName, role)

	// Durable presence announcement: the relay journals these, so a
	// late-booting unit sees which peers came up before it.
	announce, _ := json.Marshal(map[string]string{"unit": unitName, "role": role})
	if err := b.Publish("sync.announce", announce, true, false); err != nil {
		log.Printf("error announcing unit: %v", err)
	}

	if *demo {
		go runDemo(mgr)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	log.Println("Press Ctrl+C to disconnect.")
	<-interrupt
	log.Println("\nInterrupt received. Disconnecting...")
}

// runDemo drives a short mutation sequence so a second unit on the same
// group can be watched picking the changes up.
func runDemo(mgr *syncmgr.Manager) {
	time.Sleep(5 * time.Second)

	if err := mgr.Create(fpl.Active); err != nil {
		log.Printf("demo: create active: %v", err)
		return
	}
	plan, err := mgr.Get(fpl.Active)
	if err != nil {
		log.Printf("demo: get active: %v", err)
		return
	}
	plan.Origin = "EGLL"
	plan.Destination = "LGAV"
	plan.CruiseAltFt = 36000
	plan.Waypoints = []fpl.Waypoint{
		{Ident: "EGLL", Lat: 51.4706, Lon: -0.4619},
		{Ident: "DVR", Lat: 51.1617, Lon: 1.3592},
		{Ident: "LGAV", Lat: 37.9364, Lon: 23.9445},
	}
	plan.MarkEdited()
	log.Printf("demo: active plan %s, route %.0f nm", plan.DisplayName(), plan.RouteDistanceNM())

	time.Sleep(2 * time.Second)
	if err := mgr.Copy(fpl.Active, fpl.FirstSecondary); err != nil {
		log.Printf("demo: copy to secondary: %v", err)
		return
	}
	log.Printf("demo: occupied slots now %v", mgr.OccupiedIndices())
}
