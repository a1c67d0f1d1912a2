package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/stagelink/stagelink/bridge"
	"github.com/stagelink/stagelink/protocol"
)

const StageLinkCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `StageLink control.

serve runs a development host: it greets each surface with an
authenticated hello, pushes a demo document, echoes edits back as
document updates, and acknowledges structural transforms.

listen connects to a host as a bare surface and prints every message it
receives.

Usage:
    stagelinkctl serve [--port=<port>] --secret=<secret> [--origin=<origin>]
    stagelinkctl token --secret=<secret> --origin=<origin>
    stagelinkctl listen --url=<url> --secret=<secret>
        [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --port=<port>                    Listen port [default: 7700].
    --secret=<secret>                Shared channel auth secret.
    --origin=<origin>                Origin claimed in the hello token.
    --url=<url>                      Host websocket url.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StageLinkCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx := context.Background()

	port, _ := opts.String("--port")
	secret, _ := opts.String("--secret")
	origin, _ := opts.String("--origin")
	if origin == "" {
		origin = fmt.Sprintf("http://localhost:%s", port)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Get("/stage/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Err.Printf("upgrade error = %s\n", err)
			return
		}

		settings := bridge.DefaultChannelSettings()
		settings.AuthSecret = []byte(secret)
		// the host initiated the embed, the surface proves itself to us
		// implicitly by loading our document
		settings.RequireHello = false
		channel := bridge.NewWebSocketChannel(ctx, conn, settings)

		channel.AddReceiveCallback(func(message protocol.Message) {
			hostEcho(channel, message)
		})

		instanceId := protocol.NewId()
		auth, err := bridge.SignChannelToken([]byte(secret), origin, instanceId)
		if err != nil {
			Err.Printf("token error = %s\n", err)
			channel.Close()
			return
		}
		channel.Send(&protocol.Hello{
			Auth:       auth,
			Origin:     origin,
			InstanceId: instanceId,
			AppVersion: StageLinkCtlVersion,
		})
		channel.Send(&protocol.DocumentUpdate{
			Document: demoDocument(),
		})
		Out.Printf("surface connected, instance = %s\n", instanceId)
	})

	Out.Printf("listening on :%s\n", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%s", port), router); err != nil {
		Err.Fatalf("serve error = %s\n", err)
	}
}

// hostEcho is the demo host behavior: edits come back as document updates
// and transforms are acknowledged unchanged.
func hostEcho(channel bridge.Channel, message protocol.Message) {
	switch v := message.(type) {
	case *protocol.Edit:
		Out.Printf("edit seq = %d source = %s\n", v.SequenceNumber, v.Source)
		channel.Send(&protocol.DocumentUpdate{
			Document:  v.Document,
			Selection: v.Selection,
		})
	case *protocol.Transform:
		Out.Printf("transform %s seq = %d request = %s\n", v.Kind, v.SequenceNumber, v.RequestId)
		channel.Send(&protocol.DocumentUpdate{
			Document:  v.Document,
			Selection: v.Selection,
			RequestId: &v.RequestId,
		})
	default:
		printMessage(message)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	origin, _ := opts.String("--origin")

	auth, err := bridge.SignChannelToken([]byte(secret), origin, protocol.NewId())
	if err != nil {
		Err.Fatalf("token error = %s\n", err)
	}
	Out.Printf("%s\n", auth)
}

func listen(opts docopt.Opts) {
	ctx := context.Background()

	url, _ := opts.String("--url")
	secret, _ := opts.String("--secret")
	messageCount, messageCountErr := opts.Int("--message_count")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		Err.Fatalf("dial error = %s\n", err)
	}
	channel := bridge.NewWebSocketChannelWithDefaults(ctx, conn, []byte(secret))

	done := make(chan struct{})
	printed := 0
	channel.AddReceiveCallback(func(message protocol.Message) {
		printMessage(message)
		printed += 1
		if messageCountErr == nil && messageCount <= printed {
			close(done)
		}
	})

	select {
	case <-done:
	case <-channel.Done():
	}
	channel.Close()
}

func printMessage(message protocol.Message) {
	data, err := json.Marshal(message)
	if err != nil {
		Err.Printf("marshal error = %s\n", err)
		return
	}
	Out.Printf("%s %s\n", message.MessageKind(), data)
}

func demoDocument() []*protocol.Node {
	return []*protocol.Node{
		protocol.ElementNode("hero",
			protocol.ElementNode("heading",
				protocol.TextNode("Welcome to the stage"),
			),
			protocol.ElementNode("paragraph",
				protocol.TextNode("Edit this text and watch it "),
				protocol.ElementNode("strong",
					protocol.TextNode("flow back"),
				),
				protocol.TextNode(" to the host."),
			),
		),
		protocol.ElementNode("gallery",
			protocol.ElementNode("slide",
				protocol.ElementNode("caption",
					protocol.TextNode("First slide"),
				),
			),
			protocol.ElementNode("slide",
				protocol.ElementNode("caption",
					protocol.TextNode("Second slide"),
				),
			),
			protocol.ElementNode("slide",
				protocol.ElementNode("caption",
					protocol.TextNode("Third slide"),
				),
			),
		),
	}
}
