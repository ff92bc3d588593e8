package parsing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// OFXParser reads OFX 1.x (SGML) and 2.x (XML) statements. Tags it does not
// map are kept in the row or statement metadata.
type OFXParser struct{}

func (p *OFXParser) Family() models.FormatFamily { return models.FamilyOFX }

type ofxTxn struct {
	line   int
	fields map[string]string
	order  []string
}

func (t *ofxTxn) set(key, value string) {
	if _, ok := t.fields[key]; !ok {
		t.order = append(t.order, key)
	}
	t.fields[key] = value
}

func (p *OFXParser) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error) {
	text := string(content)
	start := strings.Index(strings.ToUpper(text), "<OFX>")
	if start < 0 {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "no <OFX> element")
	}

	res := &Result{Metadata: map[string]string{}}
	for _, line := range strings.Split(text[:start], "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), ":"); ok && !strings.HasPrefix(k, "<") {
			res.Metadata["header."+strings.ToLower(k)] = strings.TrimSpace(v)
		}
	}

	var (
		stack []string
		txns  []*ofxTxn
		cur   *ofxTxn
	)
	body := text[start:]
	lineAt := func(offset int) int {
		return strings.Count(text[:start+offset], "\n") + 1
	}

	for i := 0; i < len(body); {
		lt := strings.IndexByte(body[i:], '<')
		if lt < 0 {
			break
		}
		lt += i
		gt := strings.IndexByte(body[lt:], '>')
		if gt < 0 {
			return nil, apperr.NewParseError(apperr.ParseMalformed, "unterminated tag at line %d", lineAt(lt))
		}
		gt += lt
		tag := strings.ToUpper(strings.TrimSpace(body[lt+1 : gt]))
		next := strings.IndexByte(body[gt+1:], '<')
		end := len(body)
		if next >= 0 {
			end = gt + 1 + next
		}
		value := strings.TrimSpace(body[gt+1 : end])
		i = end

		switch {
		case tag == "" || strings.HasPrefix(tag, "?") || strings.HasPrefix(tag, "!"):
			continue
		case strings.HasPrefix(tag, "/"):
			name := tag[1:]
			for j := len(stack) - 1; j >= 0; j-- {
				if stack[j] == name {
					stack = stack[:j]
					break
				}
			}
			if name == "STMTTRN" && cur != nil {
				txns = append(txns, cur)
				cur = nil
			}
		case value == "":
			if tag == "STMTTRN" {
				if cur != nil {
					txns = append(txns, cur)
				}
				cur = &ofxTxn{line: lineAt(lt), fields: map[string]string{}}
			}
			stack = append(stack, tag)
		default:
			key := tag
			if parent := ofxParent(stack); parent != "" && parent != "STMTTRN" {
				key = parent + "." + tag
			}
			if cur != nil {
				cur.set(key, value)
			} else {
				res.Metadata[strings.ToLower(key)] = value
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if cur != nil {
		txns = append(txns, cur)
	}

	defaultCurrency := strings.ToUpper(ofxStatementCurrency(res.Metadata))
	if defaultCurrency == "" && cfg != nil {
		defaultCurrency = strings.ToUpper(cfg.DefaultCurrency)
	}
	for _, t := range txns {
		tx, err := ofxTransaction(t, defaultCurrency)
		if err != nil {
			res.skip(t.line, ofxRaw(t), err)
			continue
		}
		res.Rows = append(res.Rows, tx)
	}
	return finish(res, models.FamilyOFX)
}

// ofxStatementCurrency finds CURDEF whichever aggregate it was nested in.
func ofxStatementCurrency(meta map[string]string) string {
	if v := meta["curdef"]; v != "" {
		return v
	}
	for k, v := range meta {
		if strings.HasSuffix(k, ".curdef") {
			return v
		}
	}
	return ""
}

func ofxParent(stack []string) string {
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

var ofxTypes = map[string]models.TransactionType{
	"CREDIT": models.TxCredit,
	"DEBIT":  models.TxDebit,
	"INT":    models.TxInterest,
	"DIV":    models.TxInterest,
	"FEE":    models.TxFee,
	"SRVCHG": models.TxFee,
	"XFER":   models.TxTransfer,
}

func ofxTransaction(t *ofxTxn, defaultCurrency string) (RawTransaction, error) {
	f := t.fields
	date, err := parseOFXDate(f["DTPOSTED"])
	if err != nil {
		return RawTransaction{}, err
	}
	amount, err := parseOFXAmount(f["TRNAMT"])
	if err != nil {
		return RawTransaction{}, err
	}

	desc := firstNonEmpty(f["NAME"], f["PAYEE.NAME"], f["MEMO"])
	currency := strings.ToUpper(firstNonEmpty(f["CURRENCY.CURSYM"], f["ORIGCURRENCY.CURSYM"], defaultCurrency))

	typ, ok := ofxTypes[strings.ToUpper(f["TRNTYPE"])]
	if !ok {
		typ = InferType(desc, amount)
	}

	meta := map[string]string{}
	for _, k := range t.order {
		switch k {
		case "DTPOSTED", "TRNAMT", "NAME":
			continue
		}
		meta[strings.ToLower(k)] = f[k]
	}

	return RawTransaction{
		Line:        t.line,
		Date:        date,
		Description: desc,
		Amount:      amount,
		Currency:    currency,
		Type:        typ,
		Reference:   firstNonEmpty(f["REFNUM"], f["CHECKNUM"], f["FITID"]),
		Metadata:    meta,
	}, nil
}

// parseOFXDate reads YYYYMMDD[HHMMSS[.XXX]][[offset:TZ]]; only the day counts.
func parseOFXDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < 8 || !allDigits(s[:8]) {
		return time.Time{}, fmt.Errorf("invalid OFX date %q", s)
	}
	return time.Parse("20060102", s[:8])
}

func parseOFXAmount(s string) (decimal.Decimal, error) {
	nf := NumberFormat{Decimal: '.'}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		nf.Decimal = ','
	}
	return ParseAmount(s, nf)
}

func ofxRaw(t *ofxTxn) string {
	parts := make([]string, 0, len(t.order))
	for _, k := range t.order {
		parts = append(parts, k+"="+t.fields[k])
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
