// Package bpmn reads the metadata a job worker cares about out of workflow
// definition documents: process ids, service task types and message names.
package bpmn

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultRetries applies when a task definition does not declare retries.
const DefaultRetries = 3

var (
	ErrInvalidDefinition = errors.New("bpmn: invalid definition document")
	ErrNoProcess         = errors.New("bpmn: document declares no process")
)

// ServiceTask is an element carrying a job type.
type ServiceTask struct {
	ID      string
	Name    string
	Type    string
	Retries int
}

// Process is one executable process of a document.
type Process struct {
	ID           string
	Name         string
	ServiceTasks []ServiceTask // document order
}

// Metadata is the merged result of one or more documents.
type Metadata struct {
	Processes    []Process
	ProcessIDs   []string // distinct, first-seen order
	TaskTypes    []string // distinct, first-seen order
	MessageNames []string // distinct, first-seen order
}

type element struct {
	local string
	id    string
	name  string
}

// Extract parses every document and merges their metadata.
func Extract(docs ...[]byte) (Metadata, error) {
	var md Metadata
	seenProc := map[string]bool{}
	seenType := map[string]bool{}
	seenMsg := map[string]bool{}

	for i, doc := range docs {
		procs, msgs, err := parse(doc)
		if err != nil {
			return Metadata{}, fmt.Errorf("document %d: %w", i, err)
		}
		if len(procs) == 0 {
			return Metadata{}, fmt.Errorf("document %d: %w", i, ErrNoProcess)
		}

		for _, p := range procs {
			md.Processes = append(md.Processes, p)
			if !seenProc[p.ID] {
				seenProc[p.ID] = true
				md.ProcessIDs = append(md.ProcessIDs, p.ID)
			}
			for _, st := range p.ServiceTasks {
				if !seenType[st.Type] {
					seenType[st.Type] = true
					md.TaskTypes = append(md.TaskTypes, st.Type)
				}
			}
		}
		for _, m := range msgs {
			if !seenMsg[m] {
				seenMsg[m] = true
				md.MessageNames = append(md.MessageNames, m)
			}
		}
	}
	return md, nil
}

func parse(doc []byte) ([]Process, []string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))

	var (
		procs []Process
		msgs  []string
		stack []element
		cur   = -1 // index into procs of the enclosing process
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := element{local: t.Name.Local, id: attr(t, "id"), name: attr(t, "name")}

			switch t.Name.Local {
			case "process":
				procs = append(procs, Process{ID: el.id, Name: el.name})
				cur = len(procs) - 1
			case "message":
				if el.name != "" {
					msgs = append(msgs, el.name)
				}
			case "taskDefinition":
				if cur < 0 {
					break
				}
				owner := nearestWithID(stack)
				procs[cur].ServiceTasks = append(procs[cur].ServiceTasks, ServiceTask{
					ID:      owner.id,
					Name:    owner.name,
					Type:    attr(t, "type"),
					Retries: parseRetries(attr(t, "retries")),
				})
			}
			stack = append(stack, el)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if t.Name.Local == "process" {
				cur = -1
			}
		}
	}
	return procs, msgs, nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func nearestWithID(stack []element) element {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].id != "" {
			return stack[i]
		}
	}
	return element{}
}

// parseRetries accepts "5" and the static expression form "=5".
func parseRetries(s string) int {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "="))
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return DefaultRetries
}
