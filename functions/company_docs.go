package functions

import (
	"context"
	"encoding/json"

	"github.com/room4-2/converse-relay/llm"
)

var companyDocs = `
Owl Shoes is a footwear retailer with stores in San Francisco, Chicago and Seattle.
Stores are open Monday to Saturday from ten in the morning until eight in the evening.
Orders ship within two business days and can be returned within thirty days.
`

// CompanyInformationTool answers general questions about the business
func CompanyInformationTool() Tool {
	return Tool{
		Spec: llm.ToolSpec{
			Name:        "get_company_information",
			Description: "Get general information about the company: stores, opening hours, shipping and returns",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Strict:      true,
		},
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return map[string]any{"output": GetCompanyInformation()}, nil
		},
	}
}

// GetCompanyInformation returns the static company documentation
func GetCompanyInformation() string {
	return companyDocs
}
