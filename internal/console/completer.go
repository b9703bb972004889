package console

import (
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"
)

var rootSuggestions = []prompt.Suggest{
	{Text: "tables", Description: "list managed tables"},
	{Text: "policies", Description: "list lifecycle policies"},
	{Text: "create", Description: "create a table or policy"},
	{Text: "drop", Description: "drop a table or policy"},
	{Text: "describe", Description: "policy details and bindings"},
	{Text: "bind", Description: "attach a policy to a table"},
	{Text: "unbind", Description: "detach a table's policy"},
	{Text: "set", Description: "set a session parameter"},
	{Text: "show", Description: "list session parameters"},
	{Text: "seed", Description: "generate demo transactions"},
	{Text: "recent", Description: "preview recent rows"},
	{Text: "flush", Description: "flush buffered rows to files"},
	{Text: "lifecycle", Description: "plan or run an evaluation"},
	{Text: "estimate", Description: "price a restore without running it"},
	{Text: "restore", Description: "restore archived rows into a new table"},
	{Text: "history", Description: "audit history"},
	{Text: "export", Description: "export audit history"},
	{Text: "usage", Description: "credit spend and latency summary"},
	{Text: "stats", Description: "component counters and tier summary"},
	{Text: "help", Description: "list commands"},
	{Text: "exit", Description: "leave the console"},
}

// complete proposes the next word. Names of live tables, policies and
// parameters come from the engine so suggestions track catalog state.
func (c *Console) complete(d prompt.Document) []prompt.Suggest {
	word := d.GetWordBeforeCursor()
	done := strings.Fields(d.TextBeforeCursor())
	if word != "" && len(done) > 0 {
		done = done[:len(done)-1]
	}

	var sugs []prompt.Suggest
	switch len(done) {
	case 0:
		sugs = rootSuggestions
	case 1:
		sugs = c.secondWord(strings.ToLower(done[0]))
	case 2:
		sugs = c.thirdWord(strings.ToLower(done[0]), strings.ToLower(done[1]))
	case 3:
		if strings.ToLower(done[0]) == "bind" && strings.ToLower(done[2]) == "to" {
			sugs = c.tableSuggestions()
		}
	}
	return prompt.FilterHasPrefix(sugs, word, true)
}

func (c *Console) secondWord(verb string) []prompt.Suggest {
	switch verb {
	case "create", "drop":
		return []prompt.Suggest{
			{Text: "table"},
			{Text: "policy"},
		}
	case "describe":
		return []prompt.Suggest{{Text: "policy"}}
	case "bind":
		return c.policySuggestions()
	case "unbind", "seed", "recent", "flush":
		return c.tableSuggestions()
	case "set":
		return c.parameterSuggestions()
	case "show":
		return []prompt.Suggest{{Text: "parameters"}}
	case "lifecycle":
		return []prompt.Suggest{
			{Text: "plan", Description: "preview the next evaluation"},
			{Text: "run", Description: "evaluate policies now"},
		}
	case "history":
		return []prompt.Suggest{
			{Text: "policies", Description: "policy execution history"},
			{Text: "retrievals", Description: "restore history"},
			{Text: "runs", Description: "evaluation run summaries"},
		}
	case "export":
		return []prompt.Suggest{{Text: "history"}}
	}
	return nil
}

func (c *Console) thirdWord(verb, noun string) []prompt.Suggest {
	switch verb {
	case "drop":
		switch noun {
		case "table":
			return c.tableSuggestions()
		case "policy":
			return c.policySuggestions()
		}
	case "describe":
		if noun == "policy" {
			return c.policySuggestions()
		}
	case "bind":
		return []prompt.Suggest{{Text: "to"}}
	case "export":
		if noun == "history" {
			return []prompt.Suggest{
				{Text: "policies", Description: "policy execution history"},
				{Text: "retrievals", Description: "restore history"},
			}
		}
	}
	return nil
}

func (c *Console) tableSuggestions() []prompt.Suggest {
	tables, err := c.eng.ListTables()
	if err != nil {
		return nil
	}
	sugs := make([]prompt.Suggest, 0, len(tables))
	for _, t := range tables {
		sugs = append(sugs, prompt.Suggest{Text: t.Name, Description: t.Comment})
	}
	return sugs
}

func (c *Console) policySuggestions() []prompt.Suggest {
	policies, err := c.eng.ListPolicies()
	if err != nil {
		return nil
	}
	sugs := make([]prompt.Suggest, 0, len(policies))
	for _, p := range policies {
		sugs = append(sugs, prompt.Suggest{
			Text:        p.Name,
			Description: fmt.Sprintf("%s, retain %dd", p.Tier, p.RetentionDays),
		})
	}
	return sugs
}

func (c *Console) parameterSuggestions() []prompt.Suggest {
	params := c.eng.ShowParameters(c.sess)
	sugs := make([]prompt.Suggest, 0, len(params))
	for _, p := range params {
		sugs = append(sugs, prompt.Suggest{Text: p.Name, Description: p.Description})
	}
	return sugs
}
