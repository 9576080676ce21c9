package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
)

// lineTask is the intermediate shape produced while walking a line-oriented
// file, before wait-barrier translation and parametric expansion.
type lineTask struct {
	explicitID    string // set only in dependency form
	hasExplicitID bool
	task          model.Task
}

type parsedWait struct{}

// lineItem is either a *lineTask or a parsedWait marker.
type lineItem struct {
	wait *parsedWait
	task *lineTask
}

// recognizedKeys is the set of boolean/scalar keys every line form
// understands, per spec §3/§4.1. Anything else becomes a task parameter.
var recognizedKeys = map[string]bool{
	"instance": true, "process": true, "id": true, "predecessors": true,
	"stage": true, "timeout": true, "cancel_at_timeout": true,
	"require_predecessor_success": true, "safe_retry": true,
	"succeed_on_minor_errors": true,
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// parseLines reads every non-comment line of a line-oriented task file into
// lineItems. depForm selects whether "id"/"predecessors" are recognized
// (dependency form) or rejected as stray parameters (wait-barrier form, per
// spec §4.1's auto-detection: only the dependency form understands them).
func parseLines(data []byte, depForm bool) ([]lineItem, error) {
	data = stripBOM(data)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var items []lineItem
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if isCommentOrBlank(trimmed) {
			continue
		}
		if strings.EqualFold(trimmed, "wait") {
			items = append(items, lineItem{wait: &parsedWait{}})
			continue
		}

		pairs, err := tokenizeLine(trimmed)
		if err != nil {
			return nil, errs.Wrap(errs.KindParseError, fmt.Sprintf("line %d", lineNo), err)
		}

		lt := lineTask{task: model.Task{Parameters: model.NewOrderedParams()}}
		var instanceSet, processSet bool
		for _, p := range pairs {
			switch strings.ToLower(p.Key) {
			case "instance":
				lt.task.Instance = p.Value
				instanceSet = true
			case "process":
				lt.task.Process = p.Value
				processSet = true
			case "id":
				if !depForm {
					return nil, errs.New(errs.KindParseError, fmt.Sprintf("line %d: 'id' is only valid in dependency form", lineNo))
				}
				lt.explicitID = p.Value
				lt.hasExplicitID = true
			case "predecessors":
				if !depForm {
					return nil, errs.New(errs.KindParseError, fmt.Sprintf("line %d: 'predecessors' is only valid in dependency form", lineNo))
				}
				if strings.TrimSpace(p.Value) != "" {
					for _, pred := range strings.Split(p.Value, ",") {
						pred = strings.TrimSpace(pred)
						if pred != "" {
							lt.task.Predecessors = append(lt.task.Predecessors, pred)
						}
					}
				}
			case "stage":
				lt.task.Stage = p.Value
			case "timeout":
				secs, err := strconv.ParseFloat(p.Value, 64)
				if err != nil {
					return nil, errs.Wrap(errs.KindParseError, fmt.Sprintf("line %d: invalid timeout", lineNo), err)
				}
				lt.task.TimeoutSec = secs
				lt.task.HasTimeout = true
			case "cancel_at_timeout":
				lt.task.CancelAtTimeout = truthy(p.Value)
			case "require_predecessor_success":
				lt.task.RequirePredecessorSuccess = truthy(p.Value)
			case "safe_retry":
				lt.task.SafeRetry = truthy(p.Value)
			case "succeed_on_minor_errors":
				lt.task.SucceedOnMinorErrors = truthy(p.Value)
			default:
				if p.Key == "" {
					return nil, errs.New(errs.KindParseError, fmt.Sprintf("line %d: malformed token", lineNo))
				}
				lt.task.Parameters.Set(p.Key, p.Value)
			}
		}
		if !instanceSet {
			return nil, errs.New(errs.KindParseError, fmt.Sprintf("line %d: missing required key 'instance'", lineNo))
		}
		if !processSet {
			return nil, errs.New(errs.KindParseError, fmt.Sprintf("line %d: missing required key 'process'", lineNo))
		}
		items = append(items, lineItem{task: &lt})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindParseError, "reading task file", err)
	}
	return items, nil
}
