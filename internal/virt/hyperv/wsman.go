// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package hyperv

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/candlepin/virt-who-go/internal/virt"
)

// wsmanClient speaks the small WS-Management subset the Hyper-V queries
// need: Identify, WQL Enumerate and Pull. Authentication is HTTP basic,
// which WinRM accepts over https or when AllowUnencrypted is set.
type wsmanClient struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

const identifyEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsmid="http://schemas.dmtf.org/wbem/wsman/identity/1/wsmanidentity.xsd">
<s:Header/>
<s:Body><wsmid:Identify/></s:Body>
</s:Envelope>`

const enumerateEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration" xmlns:wsman="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd">
<s:Header>
<wsa:To>%s</wsa:To>
<wsman:ResourceURI s:mustUnderstand="true">%s</wsman:ResourceURI>
<wsa:ReplyTo><wsa:Address s:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous</wsa:Address></wsa:ReplyTo>
<wsa:Action s:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2004/09/enumeration/Enumerate</wsa:Action>
<wsman:MaxEnvelopeSize s:mustUnderstand="true">4194304</wsman:MaxEnvelopeSize>
<wsa:MessageID>uuid:%s</wsa:MessageID>
<wsman:OperationTimeout>PT60S</wsman:OperationTimeout>
</s:Header>
<s:Body>
<wsen:Enumerate><wsman:Filter Dialect="http://schemas.microsoft.com/wbem/wsman/1/WQL">%s</wsman:Filter></wsen:Enumerate>
</s:Body>
</s:Envelope>`

const pullEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration" xmlns:wsman="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd">
<s:Header>
<wsa:To>%s</wsa:To>
<wsman:ResourceURI s:mustUnderstand="true">%s</wsman:ResourceURI>
<wsa:ReplyTo><wsa:Address s:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous</wsa:Address></wsa:ReplyTo>
<wsa:Action s:mustUnderstand="true">http://schemas.xmlsoap.org/ws/2004/09/enumeration/Pull</wsa:Action>
<wsman:MaxEnvelopeSize s:mustUnderstand="true">4194304</wsman:MaxEnvelopeSize>
<wsa:MessageID>uuid:%s</wsa:MessageID>
<wsman:OperationTimeout>PT60S</wsman:OperationTimeout>
</s:Header>
<s:Body>
<wsen:Pull><wsen:EnumerationContext>%s</wsen:EnumerationContext><wsen:MaxElements>50</wsen:MaxElements></wsen:Pull>
</s:Body>
</s:Envelope>`

// identify performs the WS-Man Identify handshake and returns the product
// string, proving both reachability and accepted credentials.
func (c *wsmanClient) identify(ctx context.Context) (string, error) {
	data, err := c.post(ctx, identifyEnvelope)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Vendor  string `xml:"Body>IdentifyResponse>ProductVendor"`
		Version string `xml:"Body>IdentifyResponse>ProductVersion"`
	}
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("malformed identify response: %w", err)
	}
	return strings.TrimSpace(parsed.Vendor + " " + parsed.Version), nil
}

// enumerate runs a WQL query in the given WMI namespace and pulls every
// result. Instances come back as flat property maps.
func (c *wsmanClient) enumerate(ctx context.Context, namespace, query string) ([]map[string]string, error) {
	resourceURI := "http://schemas.microsoft.com/wbem/wsman/1/wmi/" + namespace + "/*"

	data, err := c.post(ctx, fmt.Sprintf(enumerateEnvelope, c.endpoint, resourceURI, uuid.NewString(), escapeXML(query)))
	if err != nil {
		return nil, err
	}
	var enumerated struct {
		Context string `xml:"Body>EnumerateResponse>EnumerationContext"`
	}
	if err := xml.Unmarshal(data, &enumerated); err != nil {
		return nil, virt.Errorf("malformed enumerate response: %w", err)
	}
	if enumerated.Context == "" {
		return nil, virt.Errorf("enumerate of %s returned no enumeration context", namespace)
	}

	var instances []map[string]string
	context := enumerated.Context
	for {
		data, err := c.post(ctx, fmt.Sprintf(pullEnvelope, c.endpoint, resourceURI, uuid.NewString(), escapeXML(context)))
		if err != nil {
			return nil, err
		}
		var pulled struct {
			Context       string       `xml:"Body>PullResponse>EnumerationContext"`
			EndOfSequence *struct{}    `xml:"Body>PullResponse>EndOfSequence"`
			Items         instanceList `xml:"Body>PullResponse>Items"`
		}
		if err := xml.Unmarshal(data, &pulled); err != nil {
			return nil, virt.Errorf("malformed pull response: %w", err)
		}
		instances = append(instances, pulled.Items...)
		if pulled.EndOfSequence != nil || pulled.Context == "" {
			return instances, nil
		}
		context = pulled.Context
	}
}

func (c *wsmanClient) post(ctx context.Context, envelope string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/soap+xml;charset=UTF-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, virt.WrapError("wsman request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, virt.WrapError("failed to read wsman response", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, virt.Errorf("wsman endpoint rejected the credentials")
	}
	if resp.StatusCode != http.StatusOK {
		var fault struct {
			Text string `xml:"Body>Fault>Reason>Text"`
		}
		if xml.Unmarshal(data, &fault) == nil && strings.TrimSpace(fault.Text) != "" {
			return nil, virt.Errorf("wsman fault: %s", strings.TrimSpace(fault.Text))
		}
		return nil, virt.Errorf("wsman endpoint returned HTTP %d", resp.StatusCode)
	}
	return data, nil
}

// instanceList decodes the Items element of a pull response. Every child is
// one WMI instance whose simple properties become map entries keyed by the
// property name.
type instanceList []map[string]string

func (out *instanceList) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			instance := make(map[string]string)
			if err := decodeInstance(d, instance); err != nil {
				return err
			}
			*out = append(*out, instance)
		case xml.EndElement:
			return nil
		}
	}
}

func decodeInstance(d *xml.Decoder, into map[string]string) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var value string
			if err := d.DecodeElement(&value, &t); err != nil {
				return err
			}
			into[t.Name.Local] = value
		case xml.EndElement:
			return nil
		}
	}
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
