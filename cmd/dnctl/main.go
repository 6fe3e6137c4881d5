package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const usage = `usage: dnctl [-api URL] <command> [args]

commands:
  status              node status
  chain               print the ledger
  peers               list online peers
  files               list uploaded files
  upload <path>       upload a file
  download <name>     download a previously uploaded file and wait for it
`

func main() {
	api := flag.String("api", "http://127.0.0.1:8090", "node control API base URL")
	wait := flag.Duration("wait", 10*time.Minute, "how long download waits for completion")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: *api, http: &http.Client{Timeout: 0}}
	var err error
	switch args[0] {
	case "status", "chain", "peers", "files":
		err = c.show("/" + args[0])
	case "upload":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = c.upload(args[1])
	case "download":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = c.download(args[1], *wait)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dnctl:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) show(path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func (c *client) upload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	resp, err := c.http.Post(c.base+"/files", w.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

type downloadView struct {
	State    string `json:"state"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

func (c *client) download(name string, wait time.Duration) error {
	endpoint := c.base + "/downloads/" + url.PathEscape(name)
	resp, err := c.http.Post(endpoint, "application/json", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return printResponse(resp)
	}
	resp.Body.Close()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(endpoint)
		if err != nil {
			return err
		}
		var view downloadView
		err = json.NewDecoder(resp.Body).Decode(&view)
		resp.Body.Close()
		if err != nil {
			return err
		}
		switch view.State {
		case "complete":
			fmt.Printf("downloaded %s to %s\n", name, view.Path)
			return nil
		case "failed":
			return fmt.Errorf("download failed: %s", view.Error)
		}
		fmt.Printf("\r%d/%d shards", view.Received, view.Total)
		time.Sleep(time.Second)
	}
	return fmt.Errorf("download of %s still running after %s", name, wait)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}
	fmt.Println(string(data))
	return nil
}
