// Command mockworker simulates a headless-browser render worker: it
// consumes render jobs from the message bus and replies with a
// fabricated snapshot after a configurable simulated render latency,
// standing in for a real browser pool in local development and load
// testing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fenivana/kasha/internal/bus"
	"github.com/fenivana/kasha/internal/model"
)

var (
	natsURL    string
	latency    time.Duration
	failRate   float64
	contentLen int
)

const loremCorpus = "Lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua "

func main() {
	flag.StringVar(&natsURL, "nats-url", nats.DefaultURL, "message bus URL")
	flag.DurationVar(&latency, "latency", 300*time.Millisecond, "simulated render latency")
	flag.Float64Var(&failRate, "fail-rate", 0, "fraction of jobs to fail, 0-1")
	flag.IntVar(&contentLen, "content-length", 2000, "approximate rendered content length in bytes")
	flag.Parse()

	nc, err := nats.Connect(natsURL, nats.Name("kasha-mockworker"))
	if err != nil {
		log.Fatalf("connecting to message bus: %v", err)
	}
	defer nc.Close()

	sub, err := nc.QueueSubscribe(bus.JobSubject, bus.QueueGroup, func(msg *nats.Msg) {
		handleJob(nc, msg)
	})
	if err != nil {
		log.Fatalf("subscribing to %s: %v", bus.JobSubject, err)
	}
	defer sub.Unsubscribe()

	log.Printf("mockworker listening on %s, queue group %s (latency=%v, fail-rate=%.2f)",
		bus.JobSubject, bus.QueueGroup, latency, failRate)

	select {}
}

var sequence int

func handleJob(nc *nats.Conn, msg *nats.Msg) {
	var job model.RenderJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Printf("discarding malformed job: %v", err)
		return
	}

	time.Sleep(latency)

	sequence++
	reply := renderReply(job)

	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("marshaling reply for %s: %v", job.CorrelationID, err)
		return
	}

	if err := nc.Publish(job.ReplyTopic, data); err != nil {
		log.Printf("replying to %s: %v", job.CorrelationID, err)
	}
}

func renderReply(job model.RenderJob) model.RenderReply {
	if failRate > 0 && shouldFail() {
		return model.RenderReply{
			CorrelationID: job.CorrelationID,
			OK:            false,
			ErrorKind:     string(model.ErrServerRenderError),
			ErrorMessage:  "simulated render failure",
		}
	}

	now := time.Now()
	snap := &model.Snapshot{
		Key:    keyFromJob(job),
		Status: 200,
		Meta: model.PageMeta{
			Title:       fmt.Sprintf("Mock page %d", sequence),
			Description: "Generated by mockworker",
		},
		Times:          model.SnapshotTimes{RenderedAt: now, UpdatedAt: now, LastAccessedAt: now},
		PrivateExpires: now.Add(3 * time.Minute),
		SharedExpires:  now.Add(24 * time.Hour),
	}
	if !job.MetaOnly {
		snap.Content = []byte(generateContent(contentLen))
	}

	return model.RenderReply{
		CorrelationID: job.CorrelationID,
		OK:            true,
		Snapshot:      snap,
	}
}

func keyFromJob(job model.RenderJob) model.SnapshotKey {
	u, err := url.Parse(job.URL)
	if err != nil {
		return model.SnapshotKey{DeviceType: job.DeviceType, Type: job.Type}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return model.SnapshotKey{Site: u.Host, Path: path, DeviceType: job.DeviceType, Type: job.Type}
}

func shouldFail() bool {
	return float64(sequence%100)/100 < failRate
}

func generateContent(n int) string {
	if n <= len(loremCorpus) {
		return loremCorpus[:n]
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		remaining := n - len(out)
		if remaining >= len(loremCorpus) {
			out = append(out, loremCorpus...)
		} else {
			out = append(out, loremCorpus[:remaining]...)
		}
	}
	return string(out)
}
