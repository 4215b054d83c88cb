package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderProcess = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:zeebe="http://camunda.org/schema/zeebe/1.0" id="Definitions_1">
  <bpmn:process id="order-process" name="Order" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="charge" name="Charge card">
      <bpmn:extensionElements>
        <zeebe:taskDefinition type="payment-service" retries="5"/>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
    <bpmn:serviceTask id="ship" name="Ship">
      <bpmn:extensionElements>
        <zeebe:taskDefinition type="shipping-service"/>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
    <bpmn:endEvent id="end"/>
  </bpmn:process>
  <bpmn:message id="Message_1" name="payment-received"/>
</bpmn:definitions>`

const refundProcess = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:zeebe="http://camunda.org/schema/zeebe/1.0">
  <bpmn:process id="refund-process" isExecutable="true">
    <bpmn:serviceTask id="refund">
      <bpmn:extensionElements>
        <zeebe:taskDefinition type="payment-service" retries="=2"/>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
  </bpmn:process>
  <bpmn:message id="Message_2" name="payment-received"/>
</bpmn:definitions>`

func TestExtract_SingleDocument(t *testing.T) {
	md, err := Extract([]byte(orderProcess))
	require.NoError(t, err)

	assert.Equal(t, []string{"order-process"}, md.ProcessIDs)
	assert.Equal(t, []string{"payment-service", "shipping-service"}, md.TaskTypes)
	assert.Equal(t, []string{"payment-received"}, md.MessageNames)

	require.Len(t, md.Processes, 1)
	tasks := md.Processes[0].ServiceTasks
	require.Len(t, tasks, 2)
	assert.Equal(t, ServiceTask{ID: "charge", Name: "Charge card", Type: "payment-service", Retries: 5}, tasks[0])
	assert.Equal(t, DefaultRetries, tasks[1].Retries)
}

func TestExtract_MergesDistinctValues(t *testing.T) {
	md, err := Extract([]byte(orderProcess), []byte(refundProcess))
	require.NoError(t, err)

	assert.Equal(t, []string{"order-process", "refund-process"}, md.ProcessIDs)
	assert.Equal(t, []string{"payment-service", "shipping-service"}, md.TaskTypes)
	assert.Equal(t, []string{"payment-received"}, md.MessageNames)
	assert.Equal(t, 2, md.Processes[1].ServiceTasks[0].Retries)
}

func TestExtract_Errors(t *testing.T) {
	_, err := Extract([]byte("<definitions><process id='x'>"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = Extract([]byte(`<definitions><message name="m"/></definitions>`))
	assert.ErrorIs(t, err, ErrNoProcess)
}
